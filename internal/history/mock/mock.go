// Package mock provides a configurable test double for [history.Store].
//
// The mock behaves like an in-memory store unless one of the *Err fields is
// set, in which case the matching method fails without mutating state.
package mock

import (
	"context"
	"sync"

	"github.com/whotf-ash/synapse/internal/history"
)

// Store is a test double for [history.Store]. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// Entries is the current content. Tests may seed it before use.
	Entries []history.Entry

	// LoadErr is returned by [Store.Load] when non-nil.
	LoadErr error

	// AppendErr is returned by [Store.Append] when non-nil.
	AppendErr error

	// ClearErr is returned by [Store.Clear] when non-nil.
	ClearErr error

	appendCalls int
	clearCalls  int
	closed      bool
}

var _ history.Store = (*Store)(nil)

// Load implements [history.Store].
func (s *Store) Load(context.Context) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	out := make([]history.Entry, len(s.Entries))
	copy(out, s.Entries)
	return out, nil
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, e history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.Entries = append(s.Entries, e)
	return nil
}

// Clear implements [history.Store].
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if s.ClearErr != nil {
		return s.ClearErr
	}
	s.Entries = nil
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// AppendCalls returns how many times Append was called, including failed calls.
func (s *Store) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// Snapshot returns a copy of the stored entries.
func (s *Store) Snapshot() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Entry, len(s.Entries))
	copy(out, s.Entries)
	return out
}
