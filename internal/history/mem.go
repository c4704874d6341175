package history

import (
	"context"
	"slices"
	"sync"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/observe"
)

// MemStore is an in-memory [Store]. The zero value is not usable; call
// [NewMemStore].
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore(seed ...Entry) *MemStore {
	return &MemStore{entries: slices.Clone(seed)}
}

// Load implements [Store].
func (s *MemStore) Load(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Append implements [Store].
func (s *MemStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	observe.DefaultMetrics().RecordHistoryAppend(ctx, string(config.HistoryMemory))
	return nil
}

// Clear implements [Store].
func (s *MemStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// Close implements [Store]. It is a no-op.
func (s *MemStore) Close() error { return nil }
