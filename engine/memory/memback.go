package memory

// In-memory backend used by tests and by deployments that accept
// process-lifetime durability. Interprets the canonical graph queries against
// arena maps keyed by id, and supports failure injection so outage paths can
// be exercised deterministically.

import (
	"context"
	"sort"
	"sync"

	"epochmesh/engine/models"
)

type MemBackend struct {
	mu          sync.Mutex
	npcs        map[string]map[string]any
	memories    map[string][]map[string]any // npc_id -> inserts in arrival order
	memoryIDs   map[string]struct{}
	confidences map[string]map[string]map[string]any // npc_id -> entity_id -> edge
	unavailable bool
	executed    []string // query log, for FIFO assertions in tests
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		npcs:        make(map[string]map[string]any),
		memories:    make(map[string][]map[string]any),
		memoryIDs:   make(map[string]struct{}),
		confidences: make(map[string]map[string]map[string]any),
	}
}

// SetUnavailable toggles simulated outage: every session operation fails with
// models.ErrBackendUnavailable until cleared.
func (b *MemBackend) SetUnavailable(down bool) {
	b.mu.Lock()
	b.unavailable = down
	b.mu.Unlock()
}

// ExecutedOps returns the ordered query log.
func (b *MemBackend) ExecutedOps() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.executed))
	copy(out, b.executed)
	return out
}

func (b *MemBackend) Session(ctx context.Context) (Session, error) {
	b.mu.Lock()
	down := b.unavailable
	b.mu.Unlock()
	if down {
		return nil, models.ErrBackendUnavailable
	}
	return &memSession{backend: b}, nil
}

func (b *MemBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return models.ErrBackendUnavailable
	}
	return nil
}

func (b *MemBackend) Close(ctx context.Context) error { return nil }

type memSession struct{ backend *MemBackend }

func (s *memSession) Close(ctx context.Context) error { return nil }

func (s *memSession) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable {
		return nil, models.ErrBackendUnavailable
	}
	b.executed = append(b.executed, query)

	switch query {
	case QueryUpsertNPC:
		id, _ := params["npc_id"].(string)
		b.npcs[id] = cloneParams(params)
		return nil, nil
	case QueryInsertMemory:
		id, _ := params["memory_id"].(string)
		if _, dup := b.memoryIDs[id]; dup {
			return nil, nil
		}
		b.memoryIDs[id] = struct{}{}
		npcID, _ := params["npc_id"].(string)
		b.memories[npcID] = append(b.memories[npcID], cloneParams(params))
		return nil, nil
	case QueryUpsertConfidence:
		npcID, _ := params["npc_id"].(string)
		entityID, _ := params["entity_id"].(string)
		edges := b.confidences[npcID]
		if edges == nil {
			edges = make(map[string]map[string]any)
			b.confidences[npcID] = edges
		}
		edges[entityID] = cloneParams(params)
		return nil, nil
	case QuerySelectMemories:
		npcID, _ := params["npc_id"].(string)
		limit := asInt(params["limit"])
		rows := b.memories[npcID]
		out := make([]map[string]any, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			out = append(out, cloneParams(rows[i]))
		}
		sort.SliceStable(out, func(i, j int) bool { return asInt64(out[i]["ts_ms"]) > asInt64(out[j]["ts_ms"]) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	case QuerySelectConfidence:
		npcID, _ := params["npc_id"].(string)
		var out []map[string]any
		for _, edge := range b.confidences[npcID] {
			out = append(out, cloneParams(edge))
		}
		sort.Slice(out, func(i, j int) bool {
			ei, _ := out[i]["entity_id"].(string)
			ej, _ := out[j]["entity_id"].(string)
			return ei < ej
		})
		return out, nil
	case QuerySelectNPCs:
		var out []map[string]any
		for _, n := range b.npcs {
			out = append(out, cloneParams(n))
		}
		return out, nil
	default:
		// Unknown writes are accepted; the backend contract only requires
		// parameterized execution, not interpretation.
		return nil, nil
	}
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
