package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epochmesh/engine/models"
)

func newTestGraph(t *testing.T, backend Backend) *Graph {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	return NewGraph(backend, cfg, nil, nil, nil)
}

func TestRecordMemoryExecutedAndReadBack(t *testing.T) {
	backend := NewMemBackend()
	g := newTestGraph(t, backend)
	ctx := context.Background()

	status, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry", RawTraumaScore: 0.2})
	require.NoError(t, err)
	assert.Equal(t, WriteExecuted, status)

	status, err = g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "command", RawTraumaScore: 0.4})
	require.NoError(t, err)
	assert.Equal(t, WriteExecuted, status)

	mems := g.Memories("npc-1", 10)
	require.Len(t, mems, 2)
	assert.Equal(t, "command", mems[0].Event, "most recent first")
	assert.Equal(t, "telemetry", mems[1].Event)

	state, ok := g.NPCState("npc-1")
	require.True(t, ok)
	assert.Equal(t, 2, state.MemoryCount)
	assert.Equal(t, "command", state.LastEvent)
	assert.Equal(t, 0.5, state.WorkEfficiency)
}

func TestRecordMemoryQueuedDuringOutage(t *testing.T) {
	backend := NewMemBackend()
	g := newTestGraph(t, backend)
	ctx := context.Background()

	backend.SetUnavailable(true)
	status, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry"})
	require.NoError(t, err, "outage must not fail the write")
	assert.Equal(t, WriteQueued, status)
	assert.Greater(t, g.Ring().Size(), 0)

	// In-process reads still serve the memory.
	assert.Len(t, g.Memories("npc-1", 0), 1)

	// Reconnect and flush; the deferred writes land.
	backend.SetUnavailable(false)
	g.FlushRetryRing(ctx)
	assert.Equal(t, 0, g.Ring().Size())
}

func TestConfidenceActionUpdatesAndDecayReads(t *testing.T) {
	// A fixed clock: no time passes between the two updates, so no decay.
	fixed := time.UnixMilli(1_700_000_000_000)
	g := newTestGraph(t, NewMemBackend()).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	// New edge defaults neutral; reward raises by 0.10*intensity.
	edge, status, err := g.UpdateConfidenceFromAction(ctx, "npc-1", models.EntityDirector, models.ActionReward, 1.0)
	require.NoError(t, err)
	assert.Equal(t, WriteExecuted, status)
	assert.InDelta(t, 0.6, edge.Confidence, 1e-9)

	edge, _, err = g.UpdateConfidenceFromAction(ctx, "npc-1", models.EntityDirector, models.ActionPunishment, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.45, edge.Confidence, 1e-9)

	rels := g.ConfidenceRelations("npc-1")
	require.Len(t, rels, 1)
	assert.Equal(t, models.EntityDirector, rels[0].EntityID)
}

func TestRebellionProbabilityDerivation(t *testing.T) {
	g := newTestGraph(t, NewMemBackend())
	ctx := context.Background()

	// No memories, no edges: p = 0.05 + 0 + 0.25*(1-0.5) = 0.175
	g.EnsureNPC(ctx, "npc-1")
	assert.InDelta(t, 0.175, g.RebellionProbability("npc-1"), 1e-9)

	// Fresh trauma raises it: one memory raw 0.5 at t~0.
	_, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry", RawTraumaScore: 0.5})
	require.NoError(t, err)
	p := g.RebellionProbability("npc-1")
	assert.InDelta(t, 0.175+0.6*0.5, p, 0.01)

	// Full trust in the director lowers it.
	_, err = g.SetConfidence(ctx, "npc-1", models.EntityDirector, 1.0)
	require.NoError(t, err)
	assert.Less(t, g.RebellionProbability("npc-1"), p)
}

func TestGraphCloseDrainsRing(t *testing.T) {
	backend := NewMemBackend()
	g := newTestGraph(t, backend)
	ctx := context.Background()

	backend.SetUnavailable(true)
	_, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry"})
	require.NoError(t, err)
	require.Greater(t, g.Ring().Size(), 0)

	backend.SetUnavailable(false)
	require.NoError(t, g.Close(ctx))
	assert.Equal(t, 0, g.Ring().Size(), "drain-before-shutdown")
}

func TestGraphCloseDoesNotBlockWhenBackendDown(t *testing.T) {
	backend := NewMemBackend()
	g := newTestGraph(t, backend)
	ctx := context.Background()

	backend.SetUnavailable(true)
	_, _ = g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry"})
	depth := g.Ring().Size()

	done := make(chan struct{})
	go func() { _ = g.Close(ctx); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on unreachable backend")
	}
	assert.Equal(t, depth, g.Ring().Size(), "ops remain in ring when backend unreachable")
}

func TestReloadHydratesFromBackend(t *testing.T) {
	backend := NewMemBackend()
	g := newTestGraph(t, backend)
	ctx := context.Background()

	_, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry", RawTraumaScore: 0.3})
	require.NoError(t, err)
	_, err = g.SetConfidence(ctx, "npc-1", models.EntityDirector, 0.8)
	require.NoError(t, err)

	// A second graph over the same backend sees the durable state.
	g2 := newTestGraph(t, backend)
	require.NoError(t, g2.Reload(ctx))
	assert.Len(t, g2.Memories("npc-1", 0), 1)
	edge, ok := g2.GetConfidence("npc-1", models.EntityDirector)
	require.True(t, ok)
	assert.InDelta(t, 0.8, edge.Confidence, 1e-9)
}

func TestRetentionLimitBoundsMemories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionLimit = 3
	g := NewGraph(NewMemBackend(), cfg, nil, nil, nil)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := g.RecordMemory(ctx, models.MemoryNode{NPCID: "npc-1", Event: "telemetry"})
		require.NoError(t, err)
	}
	assert.Len(t, g.Memories("npc-1", 0), 3)
}
