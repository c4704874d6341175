package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whotf-ash/synapse/pkg/audio"
)

func TestAudioStore_SaveAndOpen(t *testing.T) {
	t.Parallel()
	s, err := NewAudioStore(filepath.Join(t.TempDir(), "nested", "audio"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	name, err := s.Save([]byte{1, 0}, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(name) != ".wav" || len(name) != 36+4 {
		t.Errorf("name = %q", name)
	}
	f, ctype, err := s.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if ctype != "audio/wav" {
		t.Errorf("content type = %q", ctype)
	}
}

func TestAudioStore_OpenRejectsNames(t *testing.T) {
	t.Parallel()
	s, err := NewAudioStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../secret.wav", "a/b.wav", `a\b.mp3`, "x.ogg", "noext", ".."} {
		if _, _, err := s.Open(name); !errors.Is(err, ErrInvalidAudioName) {
			t.Errorf("Open(%q) err = %v, want ErrInvalidAudioName", name, err)
		}
	}
	if _, _, err := s.Open("absent.mp3"); !errors.Is(err, ErrAudioNotFound) {
		t.Errorf("Open(absent) err = %v", err)
	}
}

func TestAudioStore_Sweep(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewAudioStore(dir, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	s.now = func() time.Time { return now }

	write := func(name string, age time.Duration) {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		mt := now.Add(-age)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
	}
	write("old.wav", 10*time.Minute)
	write("old.mp3", 6*time.Minute)
	write("fresh.wav", time.Minute)
	write("old.txt", time.Hour)

	n, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	for name, want := range map[string]bool{"old.wav": false, "old.mp3": false, "fresh.wav": true, "old.txt": true} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}

func TestAudioStore_RunJanitorStopsOnCancel(t *testing.T) {
	t.Parallel()
	s, err := NewAudioStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save([]byte{0, 0}, audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunJanitor(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(s.Dir())
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("janitor did not remove expired audio")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunJanitor = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunJanitor did not return after cancel")
	}
}

func TestAudioStore_CheckWritable(t *testing.T) {
	t.Parallel()
	s, err := NewAudioStore(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CheckWritable(context.Background()); err != nil {
		t.Errorf("CheckWritable = %v", err)
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Errorf("probe left files behind: %v", entries)
	}
}
