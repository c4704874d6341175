package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whotf-ash/synapse/pkg/audio"
)

// JanitorInterval is how often expired audio files are removed.
const JanitorInterval = time.Minute

var (
	// ErrInvalidAudioName is returned for names that could escape the audio
	// directory or have an unsupported extension.
	ErrInvalidAudioName = errors.New("server: invalid audio file name")

	// ErrAudioNotFound is returned when the requested file does not exist.
	ErrAudioNotFound = errors.New("server: audio file not found")
)

// audioTypes maps the servable extensions to their content types.
var audioTypes = map[string]string{
	".wav": "audio/wav",
	".mp3": "audio/mpeg",
}

// AudioStore keeps synthesised replies on disk for a limited time.
type AudioStore struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// NewAudioStore creates dir if needed. Files older than ttl are removed by
// [AudioStore.Sweep].
func NewAudioStore(dir string, ttl time.Duration) (*AudioStore, error) {
	if dir == "" {
		return nil, errors.New("server: audio dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create audio dir: %w", err)
	}
	return &AudioStore{dir: dir, ttl: ttl, now: time.Now}, nil
}

// Dir returns the directory files are written to.
func (s *AudioStore) Dir() string { return s.dir }

// Save wraps pcm in a WAV container and writes it under a fresh name. It
// returns the file name, not the full path.
func (s *AudioStore) Save(pcm []byte, format audio.Format) (string, error) {
	name := uuid.NewString() + ".wav"
	tmp := filepath.Join(s.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, audio.EncodeWAV(pcm, format), 0o644); err != nil {
		return "", fmt.Errorf("server: write audio: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("server: write audio: %w", err)
	}
	return name, nil
}

// Open returns the file called name and its content type.
func (s *AudioStore) Open(name string) (*os.File, string, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return nil, "", ErrInvalidAudioName
	}
	ctype, ok := audioTypes[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return nil, "", ErrInvalidAudioName
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrAudioNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("server: open audio: %w", err)
	}
	return f, ctype, nil
}

// Sweep removes audio files last modified more than the TTL ago and
// returns how many were removed.
func (s *AudioStore) Sweep() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("server: sweep audio: %w", err)
	}
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := audioTypes[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (s *AudioStore) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep()
			if err != nil {
				slog.Warn("server: audio janitor", "err", err)
			}
			if n > 0 {
				slog.Debug("server: removed expired audio", "files", n)
			}
		}
	}
}

// CheckWritable verifies that new files can be created in the audio
// directory.
func (s *AudioStore) CheckWritable(context.Context) error {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("audio dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// serveAudio writes the named file to w.
func (s *AudioStore) serveAudio(w http.ResponseWriter, r *http.Request, name string) {
	f, ctype, err := s.Open(name)
	switch {
	case errors.Is(err, ErrInvalidAudioName):
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	case errors.Is(err, ErrAudioNotFound):
		writeError(w, http.StatusNotFound, "File not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to read audio")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read audio")
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
