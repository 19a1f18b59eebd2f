package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists operation events in the operation_event table. It doubles
// as a Dispatcher so it can be wired directly as an event sink.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPool parses the database URL and returns a verified connection pool.
func OpenPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPGStore creates a store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the operation_event table when it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS operation_event (
			id              UUID PRIMARY KEY,
			operation       TEXT NOT NULL,
			resource_type   TEXT NOT NULL,
			resource_id     TEXT NOT NULL DEFAULT '',
			source          TEXT NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			payload_summary TEXT NOT NULL DEFAULT ''
		)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create operation_event table: %w", err)
	}
	return nil
}

// Emit inserts one event row.
func (s *PGStore) Emit(ctx context.Context, ev OperationEvent) error {
	const query = `
		INSERT INTO operation_event (
			id, operation, resource_type, resource_id, source, occurred_at, payload_summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Operation, ev.ResourceType, ev.ResourceID, ev.Source, ev.Timestamp, ev.PayloadSummary)
	if err != nil {
		return fmt.Errorf("insert operation event: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first.
func (s *PGStore) List(ctx context.Context, limit int) ([]OperationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, operation, resource_type, resource_id, source, occurred_at, payload_summary
		FROM operation_event
		ORDER BY occurred_at DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list operation events: %w", err)
	}
	defer rows.Close()

	var out []OperationEvent
	for rows.Next() {
		var ev OperationEvent
		if err := rows.Scan(&ev.ID, &ev.Operation, &ev.ResourceType, &ev.ResourceID,
			&ev.Source, &ev.Timestamp, &ev.PayloadSummary); err != nil {
			return nil, fmt.Errorf("scan operation event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
