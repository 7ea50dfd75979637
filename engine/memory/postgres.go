package memory

// PostgreSQL backend over pgxpool. The canonical graph queries in backend.go
// are written with named arguments and run through pgx.NamedArgs, so the same
// strings flow through the retry ring unchanged.

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema applied by Migrate. Nodes and edges only; the audit and retry rings
// are in-memory by design.
const schema = `
CREATE TABLE IF NOT EXISTS npc_nodes (
  npc_id          TEXT PRIMARY KEY,
  role            TEXT NOT NULL DEFAULT 'worker',
  work_efficiency DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  morale          DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  last_event      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS memory_nodes (
  memory_id        TEXT PRIMARY KEY,
  npc_id           TEXT NOT NULL REFERENCES npc_nodes(npc_id),
  event            TEXT NOT NULL,
  player_action    TEXT NOT NULL DEFAULT '',
  wisdom_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
  trauma_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
  raw_trauma_score DOUBLE PRECISION NOT NULL DEFAULT 0,
  ts_ms            BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS memory_nodes_npc_ts ON memory_nodes (npc_id, ts_ms DESC);
CREATE TABLE IF NOT EXISTS confidence_edges (
  npc_id     TEXT NOT NULL REFERENCES npc_nodes(npc_id),
  entity_id  TEXT NOT NULL,
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0.1,
  updated_ms BIGINT NOT NULL,
  PRIMARY KEY (npc_id, entity_id)
);`

// PgxBackend implements Backend against PostgreSQL.
type PgxBackend struct {
	pool *pgxpool.Pool
}

// NewPgxBackend connects and verifies reachability.
func NewPgxBackend(ctx context.Context, dsn string) (*PgxBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ping: %w", err)
	}
	return &PgxBackend{pool: pool}, nil
}

// Migrate applies the graph schema.
func (b *PgxBackend) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, schema)
	return err
}

func (b *PgxBackend) Session(ctx context.Context) (Session, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: acquire conn: %w", err)
	}
	return &pgxSession{conn: conn}, nil
}

func (b *PgxBackend) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *PgxBackend) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}

type pgxSession struct {
	conn *pgxpool.Conn
}

func (s *pgxSession) Run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	rows, err := s.conn.Query(ctx, query, pgx.NamedArgs(params))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(fields))
		for i, fd := range fields {
			rec[string(fd.Name)] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgxSession) Close(ctx context.Context) error {
	s.conn.Release()
	return nil
}
