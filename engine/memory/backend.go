package memory

// Backend abstraction for the durable memory graph. Any storage engine that
// supports node upsert by id, relationship upsert, parameterized query
// execution, and session close can serve.

import (
	"context"
)

// Session is a single unit of backend work. Sessions are pooled; callers go
// through SessionPool.WithSession rather than holding one directly.
type Session interface {
	// Run executes a parameterized query and returns any produced records.
	Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// Backend produces sessions against the underlying store.
type Backend interface {
	Session(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Canonical graph queries. Both backends dispatch on these; the pgx backend
// maps them to SQL, the in-memory backend interprets them directly.
const (
	QueryUpsertNPC = `INSERT INTO npc_nodes (npc_id, role, work_efficiency, morale, last_event)
VALUES (@npc_id, @role, @work_efficiency, @morale, @last_event)
ON CONFLICT (npc_id) DO UPDATE SET role = EXCLUDED.role,
  work_efficiency = EXCLUDED.work_efficiency, morale = EXCLUDED.morale,
  last_event = EXCLUDED.last_event`

	QueryInsertMemory = `INSERT INTO memory_nodes (memory_id, npc_id, event, player_action, wisdom_score, trauma_score, raw_trauma_score, ts_ms)
VALUES (@memory_id, @npc_id, @event, @player_action, @wisdom_score, @trauma_score, @raw_trauma_score, @ts_ms)
ON CONFLICT (memory_id) DO NOTHING`

	QueryUpsertConfidence = `INSERT INTO confidence_edges (npc_id, entity_id, confidence, decay_rate, updated_ms)
VALUES (@npc_id, @entity_id, @confidence, @decay_rate, @updated_ms)
ON CONFLICT (npc_id, entity_id) DO UPDATE SET confidence = EXCLUDED.confidence,
  decay_rate = EXCLUDED.decay_rate, updated_ms = EXCLUDED.updated_ms`

	QuerySelectMemories = `SELECT memory_id, npc_id, event, player_action, wisdom_score, trauma_score, raw_trauma_score, ts_ms
FROM memory_nodes WHERE npc_id = @npc_id ORDER BY ts_ms DESC LIMIT @limit`

	QuerySelectConfidence = `SELECT npc_id, entity_id, confidence, decay_rate, updated_ms
FROM confidence_edges WHERE npc_id = @npc_id`

	QuerySelectNPCs = `SELECT npc_id, role, work_efficiency, morale, last_event FROM npc_nodes`
)
