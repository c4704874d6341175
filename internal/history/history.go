// Package history persists the list of past translation turns.
//
// The whole history is stored as a single JSON array under one well-known
// key. A missing key is equivalent to an empty history. Entries keep
// insertion order; presenting them newest-first is left to the caller.
//
// Three [Store] implementations are provided:
//
//   - [MemStore] keeps entries in process memory (tests, ephemeral sessions).
//   - [FileStore] keeps a JSON document of key → entries on local disk.
//   - [PostgresStore] keeps one row per key in a kv_store table.
//
// Use [Open] to construct the store selected by configuration.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/whotf-ash/synapse/internal/config"
)

// TimestampLayout is the ISO 8601 layout used for [Entry.Timestamp]: UTC with
// millisecond precision and a trailing Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is one completed translation. Entries are immutable once created.
type Entry struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Timestamp  string `json:"timestamp"`
}

// NewEntry returns an Entry stamped with t in UTC.
func NewEntry(original, translated string, t time.Time) Entry {
	return Entry{
		Original:   original,
		Translated: translated,
		Timestamp:  t.UTC().Format(TimestampLayout),
	}
}

// Time parses the entry's timestamp. It returns the zero time when the
// timestamp is malformed.
func (e Entry) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store is durable, append-only storage for translation history.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns all entries in insertion order. An empty or missing
	// history yields an empty, non-nil slice.
	Load(ctx context.Context) ([]Entry, error)

	// Append adds e after all existing entries.
	Append(ctx context.Context, e Entry) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Open constructs the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	key := cfg.Key
	if key == "" {
		key = config.DefaultHistoryKey
	}
	switch cfg.Backend {
	case config.HistoryMemory:
		return NewMemStore(), nil
	case config.HistoryFile, "":
		return NewFileStore(cfg.Path, key)
	case config.HistoryPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN, key)
	default:
		return nil, fmt.Errorf("history: unknown backend %q", cfg.Backend)
	}
}

// decodeEntries parses a serialised collection. Empty input yields an empty
// history.
func decodeEntries(data []byte) ([]Entry, error) {
	entries := []Entry{}
	if len(data) == 0 || string(data) == "null" {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history: decode: %w", err)
	}
	return entries, nil
}
