package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/observe"
)

// FileStore is a [Store] backed by a JSON document on local disk. The
// document maps keys to serialised histories, so several keys can share one
// file. Writes replace the file atomically via rename.
type FileStore struct {
	path string
	key  string

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore writing to path under key. The parent
// directory is created if needed.
func NewFileStore(path, key string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("history: file store: path must not be empty")
	}
	if key == "" {
		return nil, errors.New("history: file store: key must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: file store: create dir: %w", err)
	}
	return &FileStore{path: path, key: key}, nil
}

// Load implements [Store].
func (s *FileStore) Load(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return nil, err
	}
	return decodeEntries(doc[s.key])
}

// Append implements [Store].
func (s *FileStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	entries, err := decodeEntries(doc[s.key])
	if err != nil {
		return err
	}
	entries = append(entries, e)
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("history: file store: encode: %w", err)
	}
	doc[s.key] = raw
	if err := s.writeDoc(doc); err != nil {
		return err
	}
	observe.DefaultMetrics().RecordHistoryAppend(ctx, string(config.HistoryFile))
	return nil
}

// Clear implements [Store]. Only the store's key is removed; other keys in
// the same file are kept.
func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	if _, ok := doc[s.key]; !ok {
		return nil
	}
	delete(doc, s.key)
	return s.writeDoc(doc)
}

// Close implements [Store]. It is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readDoc() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: file store: read: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("history: file store: decode %q: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) writeDoc(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("history: file store: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.json")
	if err != nil {
		return fmt.Errorf("history: file store: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("history: file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: file store: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("history: file store: rename: %w", err)
	}
	return nil
}
