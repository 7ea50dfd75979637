package memory

// Graph is the persistent NPC memory graph: append-only memories, confidence
// edges, decay-aware reads, and write-behind durability through the retry
// ring. In-process arenas keyed by id are authoritative for the lifetime of
// the process; the backend is the durable copy.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"epochmesh/engine/models"
	"epochmesh/engine/telemetry/events"
	"epochmesh/engine/telemetry/logging"
	"epochmesh/engine/telemetry/metrics"
)

// WriteStatus reports whether a write reached the backend or was deferred.
type WriteStatus string

const (
	WriteExecuted WriteStatus = "executed"
	WriteQueued   WriteStatus = "queued"
)

type Config struct {
	RetryCapacity  int
	RetryMaxAge    time.Duration
	FlushInterval  time.Duration
	PoolSize       int
	AcquireTimeout time.Duration
	DecayAlpha     float64
	// RetentionLimit bounds memories kept per NPC; 0 means unbounded.
	RetentionLimit int
}

func DefaultConfig() Config {
	return Config{
		RetryCapacity:  DefaultRetryCapacity,
		RetryMaxAge:    DefaultRetryMaxAge,
		FlushInterval:  5 * time.Second,
		PoolSize:       DefaultPoolSize,
		AcquireTimeout: DefaultAcquireTimeout,
		DecayAlpha:     DefaultDecayAlpha,
		RetentionLimit: 0,
	}
}

// GraphStats is a unified counter view for snapshots and health probes.
type GraphStats struct {
	NPCCount    int            `json:"npc_count"`
	MemoryCount int            `json:"memory_count"`
	RetryRing   RetryRingStats `json:"retry_ring"`
}

type npcNode struct {
	state     models.BehaviorState
	lastEvent string
}

type Graph struct {
	cfg     Config
	backend Backend
	pool    *SessionPool
	ring    *RetryRing
	log     logging.Logger
	ebus    events.Bus

	mu          sync.RWMutex
	npcs        map[string]*npcNode
	memories    map[string][]models.MemoryNode
	confidences map[string]map[string]models.ConfidenceEdge

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time

	mQueued    metrics.Counter
	mExecuted  metrics.Counter
	mRingDepth metrics.Gauge
}

func NewGraph(backend Backend, cfg Config, log logging.Logger, provider metrics.Provider, ebus events.Bus) *Graph {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.DecayAlpha <= 0 {
		cfg.DecayAlpha = DefaultDecayAlpha
	}
	g := &Graph{
		cfg:         cfg,
		backend:     backend,
		pool:        NewSessionPool(backend, cfg.PoolSize, cfg.AcquireTimeout),
		ring:        NewRetryRing(cfg.RetryCapacity, cfg.RetryMaxAge),
		log:         log,
		ebus:        ebus,
		npcs:        make(map[string]*npcNode),
		memories:    make(map[string][]models.MemoryNode),
		confidences: make(map[string]map[string]models.ConfidenceEdge),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
	if provider != nil {
		g.mQueued = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "memory", Name: "writes_queued_total", Help: "Writes deferred to the retry ring"}})
		g.mExecuted = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "memory", Name: "writes_executed_total", Help: "Writes executed against the backend"}})
		g.mRingDepth = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "memory", Name: "retry_ring_depth", Help: "Current retry ring depth"}})
	}
	return g
}

// WithClock injects a deterministic clock (tests).
func (g *Graph) WithClock(now func() time.Time) *Graph {
	if now != nil {
		g.now = now
		g.ring.WithClock(now)
	}
	return g
}

// Ring exposes the retry ring for phoenix drain and health probes.
func (g *Graph) Ring() *RetryRing { return g.ring }

// RingDepth returns the current retry ring depth.
func (g *Graph) RingDepth() int { return g.ring.Size() }

// RingCapacity returns the configured ring capacity.
func (g *Graph) RingCapacity() int {
	if g.cfg.RetryCapacity > 0 {
		return g.cfg.RetryCapacity
	}
	return DefaultRetryCapacity
}

// BackendReachable probes the backend.
func (g *Graph) BackendReachable(ctx context.Context) bool {
	return g.backend.Ping(ctx) == nil
}

// Start launches the auto-flush loop.
func (g *Graph) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.flushLoop(ctx)
}

func (g *Graph) flushLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.FlushRetryRing(ctx)
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// FlushRetryRing discards expired ops then drains the rest oldest-first. The
// cycle halts on the first failure and resumes next tick.
func (g *Graph) FlushRetryRing(ctx context.Context) (flushed int) {
	g.ring.DrainValid()
	if g.ring.Size() == 0 {
		g.observeRing()
		return 0
	}
	err := g.pool.WithSession(ctx, func(ctx context.Context, sess Session) error {
		n, ferr := g.ring.Flush(ctx, sess)
		flushed = n
		return ferr
	})
	if err != nil && g.log != nil {
		g.log.WarnCtx(ctx, "retry ring flush halted", "error", err, "remaining", g.ring.Size())
	}
	g.observeRing()
	return flushed
}

func (g *Graph) observeRing() {
	if g.mRingDepth != nil {
		g.mRingDepth.Set(float64(g.ring.Size()))
	}
}

// Close performs drain-before-shutdown: stops the flush loop, makes one final
// flush attempt, then closes the pool and backend. An unreachable backend logs a
// warning and leaves remaining ops in the ring; termination is not blocked.
func (g *Graph) Close(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
	if g.ring.Size() > 0 {
		g.FlushRetryRing(ctx)
		if remaining := g.ring.Size(); remaining > 0 && g.log != nil {
			g.log.WarnCtx(ctx, "shutdown with undrained retry ring", "remaining", remaining)
		}
	}
	g.pool.Close()
	return g.backend.Close(ctx)
}

// EnsureNPC lazily registers an NPC node with neutral defaults.
func (g *Graph) EnsureNPC(ctx context.Context, npcID string) models.BehaviorState {
	g.mu.Lock()
	node, ok := g.npcs[npcID]
	if !ok {
		node = &npcNode{state: models.BehaviorState{NPCID: npcID, Role: "worker", WorkEfficiency: 0.5, Morale: 0.5}}
		g.npcs[npcID] = node
	}
	state := node.state
	g.mu.Unlock()
	if !ok {
		g.writeBehind(ctx, QueryUpsertNPC, npcParams(state, ""))
	}
	return state
}

// SyncNPC mirrors behavioral state mutations into the graph node.
func (g *Graph) SyncNPC(ctx context.Context, state models.BehaviorState) {
	g.mu.Lock()
	node, ok := g.npcs[state.NPCID]
	if !ok {
		node = &npcNode{}
		g.npcs[state.NPCID] = node
	}
	node.state = state
	lastEvent := node.lastEvent
	g.mu.Unlock()
	g.writeBehind(ctx, QueryUpsertNPC, npcParams(state, lastEvent))
}

// RecordMemory appends a memory node and ensures the NPC exists. Transient
// backend failure defers the durable write to the retry ring; the in-process
// append always succeeds.
func (g *Graph) RecordMemory(ctx context.Context, m models.MemoryNode) (WriteStatus, error) {
	if m.NPCID == "" {
		return "", models.ErrInvalidInput
	}
	if m.MemoryID == "" {
		m.MemoryID = uuid.NewString()
	}
	if m.Timestamp.UnixMs == 0 {
		m.Timestamp = models.NewTimestamp(g.now())
	}
	g.EnsureNPC(ctx, m.NPCID)

	g.mu.Lock()
	list := append(g.memories[m.NPCID], m)
	if g.cfg.RetentionLimit > 0 && len(list) > g.cfg.RetentionLimit {
		list = list[len(list)-g.cfg.RetentionLimit:]
	}
	g.memories[m.NPCID] = list
	g.npcs[m.NPCID].lastEvent = m.Event
	g.mu.Unlock()

	status := g.writeBehind(ctx, QueryInsertMemory, map[string]any{
		"memory_id":        m.MemoryID,
		"npc_id":           m.NPCID,
		"event":            m.Event,
		"player_action":    m.PlayerAction,
		"wisdom_score":     m.WisdomScore,
		"trauma_score":     m.TraumaScore,
		"raw_trauma_score": m.RawTraumaScore,
		"ts_ms":            m.Timestamp.UnixMs,
	})
	return status, nil
}

// Memories returns most-recent-first, bounded by limit (<=0 means all).
func (g *Graph) Memories(npcID string, limit int) []models.MemoryNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := g.memories[npcID]
	out := make([]models.MemoryNode, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// DecayedTrauma aggregates per-memory decayed trauma as an arithmetic mean.
func (g *Graph) DecayedTrauma(npcID string) float64 {
	g.mu.RLock()
	list := g.memories[npcID]
	g.mu.RUnlock()
	if len(list) == 0 {
		return 0
	}
	now := g.now()
	var sum float64
	for _, m := range list {
		hours := now.Sub(m.Timestamp.Time()).Hours()
		sum += DecayedTrauma(m.RawTraumaScore, hours, g.cfg.DecayAlpha)
	}
	return sum / float64(len(list))
}

// RebellionProbability is the memory-derived probability:
//
//	clamp(0.05 + 0.6*decayedTrauma + 0.25*(1 - decayedConfidenceInDirector), 0, 1)
//
// This derivation serves explainability and diagnostics; policy decisions use
// the behavior engine's computation instead.
func (g *Graph) RebellionProbability(npcID string) float64 {
	trauma := g.DecayedTrauma(npcID)
	confidence := g.DecayedConfidence(npcID, models.EntityDirector)
	return models.Clamp(0.05+0.6*trauma+0.25*(1-confidence), 0, 1)
}

// NPCState aggregates the graph's view of one NPC.
func (g *Graph) NPCState(npcID string) (models.NPCState, bool) {
	g.mu.RLock()
	node, ok := g.npcs[npcID]
	if !ok {
		g.mu.RUnlock()
		return models.NPCState{}, false
	}
	state := node.state
	lastEvent := node.lastEvent
	memCount := len(g.memories[npcID])
	g.mu.RUnlock()

	return models.NPCState{
		NPCID:                npcID,
		WisdomScore:          g.wisdomFor(npcID),
		TraumaScore:          g.DecayedTrauma(npcID),
		RebellionProbability: g.RebellionProbability(npcID),
		WorkEfficiency:       state.WorkEfficiency,
		Morale:               state.Morale,
		MemoryCount:          memCount,
		LastEvent:            lastEvent,
	}, true
}

func (g *Graph) wisdomFor(npcID string) float64 {
	g.mu.RLock()
	list := g.memories[npcID]
	g.mu.RUnlock()
	if len(list) == 0 {
		return 0
	}
	distinct := make(map[string]struct{}, wisdomDiversityCap)
	positive := 0
	oldest, newest := list[0].Timestamp.Time(), list[0].Timestamp.Time()
	for _, m := range list {
		distinct[m.Event] = struct{}{}
		if m.PlayerAction == models.ActionReward || m.PlayerAction == models.ActionDialogue {
			positive++
		}
		t := m.Timestamp.Time()
		if t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	span := newest.Sub(oldest).Hours()
	ratio := float64(positive) / float64(len(list))
	return WisdomScore(len(list), len(distinct), span, ratio)
}

// SetConfidence writes a confidence edge directly.
func (g *Graph) SetConfidence(ctx context.Context, npcID, entityID string, confidence float64) (WriteStatus, error) {
	if npcID == "" || entityID == "" {
		return "", models.ErrInvalidInput
	}
	g.EnsureNPC(ctx, npcID)
	edge := models.ConfidenceEdge{
		NPCID:       npcID,
		EntityID:    entityID,
		Confidence:  models.Clamp(confidence, 0, 1),
		DecayRate:   g.cfg.DecayAlpha,
		LastUpdated: models.NewTimestamp(g.now()),
	}
	g.storeEdge(edge)
	return g.writeBehind(ctx, QueryUpsertConfidence, edgeParams(edge)), nil
}

// UpdateConfidenceFromAction applies the per-action modifier scaled by
// intensity against the current decayed value. New edges start neutral.
func (g *Graph) UpdateConfidenceFromAction(ctx context.Context, npcID, entityID, action string, intensity float64) (models.ConfidenceEdge, WriteStatus, error) {
	if npcID == "" || entityID == "" {
		return models.ConfidenceEdge{}, "", models.ErrInvalidInput
	}
	g.EnsureNPC(ctx, npcID)
	current := g.DecayedConfidence(npcID, entityID)
	updated := models.Clamp(current+ConfidenceModifier(action)*models.Clamp(intensity, 0, 1), 0, 1)
	edge := models.ConfidenceEdge{
		NPCID:       npcID,
		EntityID:    entityID,
		Confidence:  updated,
		DecayRate:   g.cfg.DecayAlpha,
		LastUpdated: models.NewTimestamp(g.now()),
	}
	g.storeEdge(edge)
	status := g.writeBehind(ctx, QueryUpsertConfidence, edgeParams(edge))
	return edge, status, nil
}

// GetConfidence returns the raw stored edge.
func (g *Graph) GetConfidence(npcID, entityID string) (models.ConfidenceEdge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, ok := g.confidences[npcID][entityID]
	return edge, ok
}

// DecayedConfidence is the decay-aware read; absent edges read neutral 0.5.
func (g *Graph) DecayedConfidence(npcID, entityID string) float64 {
	edge, ok := g.GetConfidence(npcID, entityID)
	if !ok {
		return 0.5
	}
	hours := g.now().Sub(edge.LastUpdated.Time()).Hours()
	return DecayedConfidence(edge.Confidence, hours, edge.DecayRate)
}

// ConfidenceRelations returns every edge for an NPC with decayed values.
func (g *Graph) ConfidenceRelations(npcID string) []models.ConfidenceEdge {
	g.mu.RLock()
	edges := g.confidences[npcID]
	out := make([]models.ConfidenceEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, e)
	}
	g.mu.RUnlock()
	now := g.now()
	for i := range out {
		hours := now.Sub(out[i].LastUpdated.Time()).Hours()
		out[i].Confidence = DecayedConfidence(out[i].Confidence, hours, out[i].DecayRate)
	}
	return out
}

func (g *Graph) storeEdge(edge models.ConfidenceEdge) {
	g.mu.Lock()
	edges := g.confidences[edge.NPCID]
	if edges == nil {
		edges = make(map[string]models.ConfidenceEdge)
		g.confidences[edge.NPCID] = edges
	}
	edges[edge.EntityID] = edge
	g.mu.Unlock()
}

// Reload hydrates the in-process arenas from the backend. Reads that fail
// surface models.ErrBackendUnavailable to the caller.
func (g *Graph) Reload(ctx context.Context) error {
	return g.pool.WithSession(ctx, func(ctx context.Context, sess Session) error {
		npcRows, err := sess.Run(ctx, QuerySelectNPCs, nil)
		if err != nil {
			return models.ErrBackendUnavailable
		}
		for _, row := range npcRows {
			npcID, _ := row["npc_id"].(string)
			if npcID == "" {
				continue
			}
			state := models.BehaviorState{
				NPCID:          npcID,
				Role:           asString(row["role"]),
				WorkEfficiency: asFloat(row["work_efficiency"]),
				Morale:         asFloat(row["morale"]),
			}
			g.mu.Lock()
			g.npcs[npcID] = &npcNode{state: state, lastEvent: asString(row["last_event"])}
			g.mu.Unlock()

			memRows, err := sess.Run(ctx, QuerySelectMemories, map[string]any{"npc_id": npcID, "limit": 1_000_000})
			if err != nil {
				return models.ErrBackendUnavailable
			}
			list := make([]models.MemoryNode, 0, len(memRows))
			for i := len(memRows) - 1; i >= 0; i-- {
				row := memRows[i]
				list = append(list, models.MemoryNode{
					MemoryID:       asString(row["memory_id"]),
					NPCID:          npcID,
					Event:          asString(row["event"]),
					PlayerAction:   asString(row["player_action"]),
					WisdomScore:    asFloat(row["wisdom_score"]),
					TraumaScore:    asFloat(row["trauma_score"]),
					RawTraumaScore: asFloat(row["raw_trauma_score"]),
					Timestamp:      models.NewTimestamp(time.UnixMilli(asInt64(row["ts_ms"]))),
				})
			}
			g.mu.Lock()
			g.memories[npcID] = list
			g.mu.Unlock()

			confRows, err := sess.Run(ctx, QuerySelectConfidence, map[string]any{"npc_id": npcID})
			if err != nil {
				return models.ErrBackendUnavailable
			}
			for _, row := range confRows {
				g.storeEdge(models.ConfidenceEdge{
					NPCID:       npcID,
					EntityID:    asString(row["entity_id"]),
					Confidence:  asFloat(row["confidence"]),
					DecayRate:   asFloat(row["decay_rate"]),
					LastUpdated: models.NewTimestamp(time.UnixMilli(asInt64(row["updated_ms"]))),
				})
			}
		}
		return nil
	})
}

// Stats returns counts plus retry-ring counters.
func (g *Graph) Stats() GraphStats {
	g.mu.RLock()
	npcCount := len(g.npcs)
	memCount := 0
	for _, list := range g.memories {
		memCount += len(list)
	}
	g.mu.RUnlock()
	return GraphStats{NPCCount: npcCount, MemoryCount: memCount, RetryRing: g.ring.Stats()}
}

// NPCIDs returns every registered NPC id.
func (g *Graph) NPCIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.npcs))
	for id := range g.npcs {
		out = append(out, id)
	}
	return out
}

// writeBehind attempts the durable write, falling back to the retry ring on
// any failure. Fire-and-forget: the caller learns executed vs queued.
func (g *Graph) writeBehind(ctx context.Context, query string, params map[string]any) WriteStatus {
	err := g.pool.WithSession(ctx, func(ctx context.Context, sess Session) error {
		_, rerr := sess.Run(ctx, query, params)
		return rerr
	})
	if err == nil {
		if g.mExecuted != nil {
			g.mExecuted.Inc(1)
		}
		return WriteExecuted
	}
	g.ring.Enqueue(query, params)
	g.observeRing()
	if g.mQueued != nil {
		g.mQueued.Inc(1)
	}
	if g.ebus != nil {
		_ = g.ebus.Publish(events.Event{
			Category: events.CategoryRetryRing,
			Type:     "write_queued",
			Severity: "warn",
			Fields:   map[string]interface{}{"depth": g.ring.Size(), "query": query},
		})
	}
	return WriteQueued
}

func npcParams(state models.BehaviorState, lastEvent string) map[string]any {
	return map[string]any{
		"npc_id":          state.NPCID,
		"role":            state.Role,
		"work_efficiency": state.WorkEfficiency,
		"morale":          state.Morale,
		"last_event":      lastEvent,
	}
}

func edgeParams(edge models.ConfidenceEdge) map[string]any {
	return map[string]any{
		"npc_id":     edge.NPCID,
		"entity_id":  edge.EntityID,
		"confidence": edge.Confidence,
		"decay_rate": edge.DecayRate,
		"updated_ms": edge.LastUpdated.UnixMs,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
