package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func TestAuditRingBoundedEviction(t *testing.T) {
	ring := NewAuditRing(1000)
	for i := 0; i < 1200; i++ {
		ring.Append(AuditEntry{EventID: fmt.Sprintf("e-%d", i), Tier: models.TierRoutine, Result: AuditAccepted})
	}
	assert.Equal(t, 1000, ring.Size())
	stats := ring.Stats()
	assert.Equal(t, int64(1200), stats.TotalDecisions, "lifetime totals survive eviction")

	recent := ring.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "e-1199", recent[0].EventID, "newest first")
}

func TestAuditRecentCapsAtCapacity(t *testing.T) {
	ring := NewAuditRing(10)
	for i := 0; i < 10; i++ {
		ring.Append(AuditEntry{EventID: fmt.Sprintf("e-%d", i), Result: AuditAccepted})
	}
	assert.Len(t, ring.Recent(5000), 10)
	assert.Len(t, ring.Recent(3), 3)
}

func TestAuditStatsAggregation(t *testing.T) {
	ring := NewAuditRing(100)
	ring.Append(AuditEntry{EventID: "a", Tier: models.TierRoutine, Result: AuditAccepted, LatencyMs: 10, Cost: 0.01})
	ring.Append(AuditEntry{EventID: "b", Tier: models.TierStrategic, Result: AuditVetoed, LatencyMs: 30, Cost: 0.05, Failover: true})
	ring.Append(AuditEntry{EventID: "c", Tier: models.TierRoutine, Result: AuditFailed, LatencyMs: 20})

	stats := ring.Stats()
	assert.Equal(t, int64(3), stats.TotalDecisions)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Vetoed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Failovers)
	assert.InDelta(t, 20.0, stats.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 0.06, stats.TotalCost, 1e-9)
	assert.Equal(t, int64(2), stats.PerTier[models.TierRoutine])
}
