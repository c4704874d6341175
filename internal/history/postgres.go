package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/observe"
)

const ddlKVStore = `
CREATE TABLE IF NOT EXISTS kv_store (
    key         TEXT         PRIMARY KEY,
    value       JSONB        NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// PostgresStore is a [Store] that keeps the serialised history as a JSONB
// array in a single kv_store row. Appends concatenate onto the stored array
// in one statement, so concurrent writers never lose entries.
type PostgresStore struct {
	pool *pgxpool.Pool
	key  string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, runs [MigrateKV] and returns a store
// for key.
func NewPostgresStore(ctx context.Context, dsn, key string) (*PostgresStore, error) {
	if key == "" {
		return nil, errors.New("history: postgres store: key must not be empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres store: ping: %w", err)
	}
	if err := MigrateKV(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool, key: key}, nil
}

// MigrateKV creates the kv_store table if it does not exist. It is
// idempotent.
func MigrateKV(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlKVStore); err != nil {
		return fmt.Errorf("create kv_store: %w", err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, s.key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: postgres store: load: %w", err)
	}
	return decodeEntries(raw)
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	item, err := json.Marshal([]Entry{e})
	if err != nil {
		return fmt.Errorf("history: postgres store: encode: %w", err)
	}
	const q = `
INSERT INTO kv_store (key, value, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (key) DO UPDATE
SET value = kv_store.value || EXCLUDED.value,
    updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, s.key, string(item)); err != nil {
		return fmt.Errorf("history: postgres store: append: %w", err)
	}
	observe.DefaultMetrics().RecordHistoryAppend(ctx, string(config.HistoryPostgres))
	return nil
}

// Clear implements [Store].
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, s.key); err != nil {
		return fmt.Errorf("history: postgres store: clear: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
