package behavior

import (
	"sync"

	"epochmesh/engine/models"
)

// ResourcePrice defines buy and sell prices for a resource type.
type ResourcePrice struct {
	Type      models.ResourceType `json:"type"`
	BuyPrice  float64             `json:"buy_price"`
	SellPrice float64             `json:"sell_price"`
}

// Economy manages resource pricing and trade calculations. Safe for
// concurrent use.
type Economy struct {
	mu     sync.RWMutex
	prices map[models.ResourceType]*ResourcePrice
}

// NewEconomy creates an economy with default market prices.
func NewEconomy() *Economy {
	return &Economy{
		prices: map[models.ResourceType]*ResourcePrice{
			models.ResourceSim:      {Type: models.ResourceSim, BuyPrice: 1.0, SellPrice: 0.8},
			models.ResourceRapidlum: {Type: models.ResourceRapidlum, BuyPrice: 5.0, SellPrice: 4.0},
			models.ResourceMineral:  {Type: models.ResourceMineral, BuyPrice: 0.5, SellPrice: 0.3},
		},
	}
}

// Price returns the current price for a resource type.
func (e *Economy) Price(resourceType models.ResourceType) (ResourcePrice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[resourceType]
	if !ok {
		return ResourcePrice{}, false
	}
	return *p, true
}

// TradeValue calculates the revenue from selling a quantity; 0 for unknown
// resource types.
func (e *Economy) TradeValue(resourceType models.ResourceType, quantity float64) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[resourceType]
	if !ok {
		return 0
	}
	return quantity * p.SellPrice
}
