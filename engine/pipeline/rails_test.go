package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"epochmesh/engine/models"
)

func TestRailsRebellionVetoAtThreshold(t *testing.T) {
	r := NewRails(DefaultRailsConfig())
	ev := models.Event{EventID: "e", NPCID: "n", EventType: models.EventNPCQuery}

	v := r.Evaluate(ev, "fine response", 0.82, models.TierRoutine, 10*time.Millisecond)
	assert.True(t, v.Vetoed)
	assert.Equal(t, PredicateRebellion, v.Predicate)

	// Threshold is inclusive.
	v = r.Evaluate(ev, "fine response", 0.80, models.TierRoutine, 10*time.Millisecond)
	assert.True(t, v.Vetoed)

	v = r.Evaluate(ev, "fine response", 0.79, models.TierRoutine, 10*time.Millisecond)
	assert.False(t, v.Vetoed)
}

func TestRailsCoherencePredicates(t *testing.T) {
	r := NewRails(DefaultRailsConfig())
	ev := models.Event{EventID: "e", NPCID: "n", EventType: models.EventNPCQuery, Description: "what is my status"}

	v := r.Evaluate(ev, "   ", 0.1, models.TierRoutine, time.Millisecond)
	assert.True(t, v.Vetoed)
	assert.Equal(t, PredicateCoherence, v.Predicate)
	assert.Contains(t, v.Reason, "empty")

	v = r.Evaluate(ev, strings.Repeat("x", 9000), 0.1, models.TierRoutine, time.Millisecond)
	assert.True(t, v.Vetoed)
	assert.Contains(t, v.Reason, "length")

	v = r.Evaluate(ev, "what is my status", 0.1, models.TierRoutine, time.Millisecond)
	assert.True(t, v.Vetoed)
	assert.Contains(t, v.Reason, "echo")
}

func TestRailsLatencyBudgetPerTier(t *testing.T) {
	r := NewRails(DefaultRailsConfig())
	ev := models.Event{EventID: "e", NPCID: "n", EventType: models.EventNPCQuery}

	v := r.Evaluate(ev, "ok", 0.1, models.TierRoutine, 3*time.Second)
	assert.True(t, v.Vetoed)
	assert.Equal(t, PredicateLatency, v.Predicate)

	// Strategic has more headroom.
	v = r.Evaluate(ev, "ok", 0.1, models.TierStrategic, 3*time.Second)
	assert.False(t, v.Vetoed)
}

func TestRailsPredicateOrder(t *testing.T) {
	r := NewRails(DefaultRailsConfig())
	ev := models.Event{EventID: "e", NPCID: "n", EventType: models.EventNPCQuery}
	// Rebellion fires first even when the response is also incoherent and slow.
	v := r.Evaluate(ev, "", 0.95, models.TierRoutine, time.Minute)
	assert.Equal(t, PredicateRebellion, v.Predicate)
}
