package behavior

import (
	"context"
	"fmt"
	"sync"
	"time"

	"epochmesh/engine/models"
)

const (
	// baseSimProduction is the base Sim resource production per tick.
	baseSimProduction = 1.0

	// refineryMineralConsumptionBase is the base mineral consumed per refinery
	// per tick, scaled by refinery efficiency.
	refineryMineralConsumptionBase = 10.0

	// refineryRapidlumProductionBase is the base rapidlum produced per refinery
	// per tick, scaled by refinery efficiency.
	refineryRapidlumProductionBase = 5.0
)

// Mine is a mineral extraction facility.
type Mine struct {
	MineID    string  `json:"mine_id"`
	YieldRate float64 `json:"yield_rate"`
}

// Refinery converts mineral into rapidlum.
type Refinery struct {
	RefineryID string  `json:"refinery_id"`
	Efficiency float64 `json:"efficiency"`
}

// TickObserver receives each tick's snapshot and infestation transitions.
// Invoked outside the simulation lock.
type TickObserver func(snap models.TickSnapshot, inf InfestationTickResult)

// Simulation maintains the resource economy and drives infestation from live
// population aggregates. Safe for concurrent use.
type Simulation struct {
	mu          sync.RWMutex
	resources   map[models.ResourceType]*models.ResourceState
	mines       []Mine
	refineries  []Refinery
	tickCount   int64
	nextID      int
	rebellion   *RebellionEngine
	registry    *Registry
	infestation *Infestation
	observer    TickObserver
}

func NewSimulation(rebellion *RebellionEngine, registry *Registry, infestation *Infestation) *Simulation {
	return &Simulation{
		resources: map[models.ResourceType]*models.ResourceState{
			models.ResourceSim:      {Type: models.ResourceSim, ProductionRate: baseSimProduction},
			models.ResourceRapidlum: {Type: models.ResourceRapidlum},
			models.ResourceMineral:  {Type: models.ResourceMineral},
		},
		rebellion:   rebellion,
		registry:    registry,
		infestation: infestation,
		nextID:      1,
	}
}

// SetObserver registers the tick observer (telemetry publication).
func (s *Simulation) SetObserver(obs TickObserver) {
	s.mu.Lock()
	s.observer = obs
	s.mu.Unlock()
}

// Tick advances the simulation: recompute rates, advance infestation from
// population aggregates, apply throttled production, apply consumption, and
// emit the snapshot to the observer.
func (s *Simulation) Tick() models.TickSnapshot {
	s.mu.Lock()

	totalMineralProduction := 0.0
	for _, mine := range s.mines {
		totalMineralProduction += mine.YieldRate
	}
	totalMineralConsumption := 0.0
	totalRapidlumProduction := 0.0
	for _, ref := range s.refineries {
		totalMineralConsumption += ref.Efficiency * refineryMineralConsumptionBase
		totalRapidlumProduction += ref.Efficiency * refineryRapidlumProductionBase
	}
	s.resources[models.ResourceMineral].ProductionRate = totalMineralProduction
	s.resources[models.ResourceMineral].ConsumptionRate = totalMineralConsumption
	s.resources[models.ResourceRapidlum].ProductionRate = totalRapidlumProduction
	s.resources[models.ResourceSim].ProductionRate = baseSimProduction

	avgTrauma, _, _, n := s.registry.Averages()
	overallRebellion := 0.0
	if n > 0 {
		var sum float64
		for _, state := range s.registry.All() {
			sum += s.rebellion.Probability(state).Probability
		}
		overallRebellion = sum / float64(n)
	}

	s.tickCount++
	infResult := s.infestation.Tick(overallRebellion, avgTrauma, s.tickCount)
	infState := s.infestation.State()

	throttle := infState.ThrottleMultiplier
	if throttle <= 0 {
		throttle = 1.0
	}
	for _, res := range s.resources {
		res.Quantity += res.ProductionRate * throttle
	}

	mineral := s.resources[models.ResourceMineral]
	consumed := mineral.ConsumptionRate
	if consumed > mineral.Quantity {
		// Scale rapidlum output down proportionally to available mineral.
		ratio := 0.0
		if consumed > 0 {
			ratio = mineral.Quantity / consumed
		}
		rapidlum := s.resources[models.ResourceRapidlum]
		rapidlum.Quantity -= totalRapidlumProduction * throttle * (1 - ratio)
		consumed = mineral.Quantity
	}
	mineral.Quantity -= consumed
	for _, res := range s.resources {
		if res.Quantity < 0 {
			res.Quantity = 0
		}
	}

	snap := s.snapshotLocked(overallRebellion, n, infState)
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(snap, infResult)
	}
	return snap
}

// Run drives Tick on the given cadence until ctx cancels.
func (s *Simulation) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Status returns the current snapshot without advancing the tick.
func (s *Simulation) Status() models.TickSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	avgTrauma, _, _, n := s.registry.Averages()
	_ = avgTrauma
	overall := 0.0
	if n > 0 {
		var sum float64
		for _, state := range s.registry.All() {
			sum += s.rebellion.Probability(state).Probability
		}
		overall = sum / float64(n)
	}
	return s.snapshotLocked(overall, n, s.infestation.State())
}

func (s *Simulation) snapshotLocked(overallRebellion float64, activeNPCs int, inf InfestationState) models.TickSnapshot {
	resources := make(map[models.ResourceType]*models.ResourceState, len(s.resources))
	for k, v := range s.resources {
		copied := *v
		resources[k] = &copied
	}
	return models.TickSnapshot{
		TickNumber: s.tickCount,
		Resources:  resources,
		Facilities: models.FacilityCounts{Refineries: len(s.refineries), Mines: len(s.mines)},
		Population: models.PopulationSnapshot{ActiveNPCs: activeNPCs, OverallRebellionProbability: overallRebellion},
		Infestation: models.InfestationSnapshot{
			Counter:            inf.Counter,
			IsPlagueHeart:      inf.IsPlagueHeart,
			ThrottleMultiplier: inf.ThrottleMultiplier,
		},
	}
}

// AddMine registers a mine and returns its id.
func (s *Simulation) AddMine(yieldRate float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("mine-%d", s.nextID)
	s.nextID++
	s.mines = append(s.mines, Mine{MineID: id, YieldRate: yieldRate})
	return id
}

// AddRefinery registers a refinery and returns its id.
func (s *Simulation) AddRefinery(efficiency float64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("refinery-%d", s.nextID)
	s.nextID++
	s.refineries = append(s.refineries, Refinery{RefineryID: id, Efficiency: models.Clamp(efficiency, 0, 1)})
	return id
}

// Infestation exposes the underlying state machine (cleansing operations).
func (s *Simulation) Infestation() *Infestation { return s.infestation }
