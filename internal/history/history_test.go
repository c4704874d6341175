package history_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/history"
)

// storeFactories lists the backends exercised by the shared contract tests.
func storeFactories(t *testing.T) map[string]func(t *testing.T) history.Store {
	t.Helper()
	return map[string]func(t *testing.T) history.Store{
		"mem": func(t *testing.T) history.Store { return history.NewMemStore() },
		"file": func(t *testing.T) history.Store {
			s, err := history.NewFileStore(filepath.Join(t.TempDir(), "nested", "history.json"), "translationHistory")
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		},
	}
}

func entry(i int) history.Entry {
	ts := time.Date(2024, 3, 1, 12, 0, i, 0, time.UTC)
	return history.NewEntry(fmt.Sprintf("hello %d", i), fmt.Sprintf("hola %d", i), ts)
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing key loads empty", func(t *testing.T) {
				s := newStore(t)
				got, err := s.Load(ctx)
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if got == nil || len(got) != 0 {
					t.Errorf("Load = %#v, want empty non-nil slice", got)
				}
			})

			t.Run("appends increase count by one", func(t *testing.T) {
				s := newStore(t)
				for i := range 5 {
					if err := s.Append(ctx, entry(i)); err != nil {
						t.Fatalf("Append(%d): %v", i, err)
					}
					got, err := s.Load(ctx)
					if err != nil {
						t.Fatalf("Load: %v", err)
					}
					if len(got) != i+1 {
						t.Fatalf("after %d appends len = %d", i+1, len(got))
					}
				}
			})

			t.Run("load then append preserves order", func(t *testing.T) {
				s := newStore(t)
				for i := range 3 {
					_ = s.Append(ctx, entry(i))
				}
				before, _ := s.Load(ctx)
				for i := 3; i < 6; i++ {
					_ = s.Append(ctx, entry(i))
				}
				after, err := s.Load(ctx)
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				for i, e := range before {
					if after[i] != e {
						t.Errorf("entry %d changed: %+v -> %+v", i, e, after[i])
					}
				}
				if after[5] != entry(5) {
					t.Errorf("last entry = %+v", after[5])
				}
			})

			t.Run("clear then load is empty", func(t *testing.T) {
				s := newStore(t)
				_ = s.Append(ctx, entry(0))
				if err := s.Clear(ctx); err != nil {
					t.Fatalf("Clear: %v", err)
				}
				got, err := s.Load(ctx)
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if len(got) != 0 {
					t.Errorf("Load after Clear = %v", got)
				}
			})

			t.Run("load returns a copy", func(t *testing.T) {
				s := newStore(t)
				_ = s.Append(ctx, entry(0))
				got, _ := s.Load(ctx)
				got[0].Original = "mutated"
				again, _ := s.Load(ctx)
				if again[0].Original != "hello 0" {
					t.Errorf("stored entry mutated through Load result: %+v", again[0])
				}
			})
		})
	}
}

func TestNewEntry_Timestamp(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CET", 3600)
	e := history.NewEntry("Hello", "Hola", time.Date(2024, 3, 1, 13, 4, 5, 678_000_000, loc))

	if e.Timestamp != "2024-03-01T12:04:05.678Z" {
		t.Errorf("Timestamp = %q", e.Timestamp)
	}
	if !e.Time().Equal(time.Date(2024, 3, 1, 12, 4, 5, 678_000_000, time.UTC)) {
		t.Errorf("Time() = %v", e.Time())
	}
	if !(history.Entry{Timestamp: "yesterday"}).Time().IsZero() {
		t.Error("malformed timestamp should parse to zero time")
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")

	s1, err := history.NewFileStore(path, "translationHistory")
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Append(ctx, entry(1))
	_ = s1.Append(ctx, entry(2))

	s2, err := history.NewFileStore(path, "translationHistory")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 || got[0] != entry(1) || got[1] != entry(2) {
		t.Errorf("Load = %+v", got)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"translationHistory"`) || !strings.Contains(string(data), `"original": "hello 1"`) {
		t.Errorf("unexpected file layout:\n%s", data)
	}
}

func TestFileStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	a, _ := history.NewFileStore(path, "a")
	b, _ := history.NewFileStore(path, "b")

	_ = a.Append(ctx, entry(1))
	_ = b.Append(ctx, entry(2))
	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := b.Load(ctx)
	if len(got) != 1 || got[0] != entry(2) {
		t.Errorf("key b after clearing a = %+v", got)
	}
}

func TestFileStore_ReadsBareRecordLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	doc := `{"translationHistory":[{"original":"Hello","translated":"Hola","timestamp":"2024-03-01T12:00:00.000Z"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := history.NewFileStore(path, "translationHistory")
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Translated != "Hola" {
		t.Errorf("Load = %+v", got)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := history.NewFileStore(path, "translationHistory")
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
	if err := s.Append(context.Background(), entry(0)); err == nil {
		t.Fatal("Append over a corrupt file should fail rather than overwrite it")
	}
}

func TestNewFileStore_Validation(t *testing.T) {
	if _, err := history.NewFileStore("", "k"); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := history.NewFileStore(filepath.Join(t.TempDir(), "h.json"), ""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := history.Open(ctx, config.HistoryConfig{Backend: config.HistoryMemory})
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := s.(*history.MemStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}

	s, err = history.Open(ctx, config.HistoryConfig{Backend: config.HistoryFile, Path: filepath.Join(t.TempDir(), "h.json")})
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	if _, ok := s.(*history.FileStore); !ok {
		t.Errorf("Open(file) = %T", s)
	}

	if _, err := history.Open(ctx, config.HistoryConfig{Backend: "tape"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
