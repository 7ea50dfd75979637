package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func newTestSimulation() *Simulation {
	return NewSimulation(NewRebellionEngine(DefaultRebellionConfig()), NewRegistry(), NewInfestation(DefaultInfestationConfig()))
}

func TestTickProducesAndConsumes(t *testing.T) {
	sim := newTestSimulation()
	sim.AddMine(20)
	sim.AddRefinery(0.5) // consumes 5 mineral, produces 2.5 rapidlum

	snap := sim.Tick()
	assert.Equal(t, int64(1), snap.TickNumber)
	assert.InDelta(t, 1.0, snap.Resources[models.ResourceSim].Quantity, 1e-9)
	assert.InDelta(t, 15.0, snap.Resources[models.ResourceMineral].Quantity, 1e-9)
	assert.InDelta(t, 2.5, snap.Resources[models.ResourceRapidlum].Quantity, 1e-9)
	assert.Equal(t, 1, snap.Facilities.Mines)
	assert.Equal(t, 1, snap.Facilities.Refineries)
}

func TestTickFloorsResourcesAtZero(t *testing.T) {
	sim := newTestSimulation()
	sim.AddRefinery(1.0) // wants 10 mineral per tick with none available
	snap := sim.Tick()
	assert.GreaterOrEqual(t, snap.Resources[models.ResourceMineral].Quantity, 0.0)
	assert.GreaterOrEqual(t, snap.Resources[models.ResourceRapidlum].Quantity, 0.0)
}

func TestTickObserverReceivesSnapshot(t *testing.T) {
	sim := newTestSimulation()
	var seen []models.TickSnapshot
	sim.SetObserver(func(snap models.TickSnapshot, inf InfestationTickResult) {
		seen = append(seen, snap)
	})
	sim.Tick()
	sim.Tick()
	require.Len(t, seen, 2)
	assert.Equal(t, int64(2), seen[1].TickNumber)
}

func TestPopulationAggregatesFeedInfestation(t *testing.T) {
	registry := NewRegistry()
	rebellion := NewRebellionEngine(DefaultRebellionConfig())
	sim := NewSimulation(rebellion, registry, NewInfestation(DefaultInfestationConfig()))

	// Traumatized population: trauma 0.9, efficiency 0.1, morale 0.1
	for _, id := range []string{"a", "b", "c"} {
		registry.RegisterWithRole(id, RoleWorker)
		state, _ := registry.Get(id)
		state.AvgTrauma = 0.9
		state.WorkEfficiency = 0.1
		state.Morale = 0.1
		require.NoError(t, registry.Put(state))
	}

	snap := sim.Tick()
	assert.Equal(t, 3, snap.Population.ActiveNPCs)
	assert.Greater(t, snap.Population.OverallRebellionProbability, 0.35)
	assert.Greater(t, snap.Infestation.Counter, 0.0, "infestation accumulates under sustained rebellion and trauma")
}

func TestPlagueHeartThrottlesProduction(t *testing.T) {
	sim := newTestSimulation()
	sim.AddMine(10)
	// Force the plague heart directly on the shared state machine.
	var tick int64
	for !sim.Infestation().State().IsPlagueHeart {
		tick++
		sim.Infestation().Tick(0.9, 0.9, tick)
	}
	before := sim.Status().Resources[models.ResourceMineral].Quantity
	snap := sim.Tick()
	gained := snap.Resources[models.ResourceMineral].Quantity - before
	assert.InDelta(t, 5.0, gained, 1e-9, "production halved under plague heart")
	assert.Equal(t, 0.5, snap.Infestation.ThrottleMultiplier)
}

func TestEconomyPricingAndTradeValue(t *testing.T) {
	eco := NewEconomy()
	price, ok := eco.Price(models.ResourceRapidlum)
	require.True(t, ok)
	assert.Equal(t, 5.0, price.BuyPrice)
	assert.Equal(t, 4.0, price.SellPrice)

	assert.InDelta(t, 8.0, eco.TradeValue(models.ResourceRapidlum, 2), 1e-9)
	assert.Equal(t, 0.0, eco.TradeValue(models.ResourceType("unknown"), 2))

	_, ok = eco.Price(models.ResourceType("unknown"))
	assert.False(t, ok)
}
