package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/whotf-ash/synapse/internal/observe"
)

// Update is pushed to the session observer whenever the transcript or the
// listening flag changes.
type Update struct {
	Transcript string
	Listening  bool

	// Err is non-nil when the run failed. It wraps [ErrRecognitionFailed].
	Err error
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithObserver registers fn to receive every [Update]. See [Session.Observe].
func WithObserver(fn func(Update)) Option {
	return func(s *Session) { s.observer = fn }
}

// Session is a speech capture session. At most one recognition run is active
// at a time; starting a new run stops the previous one and discards its
// late results.
//
// The transcript is reset on every Start and keeps updating for a short grace
// period after Stop while the capability finalises. Callers that need the
// authoritative transcript wait on the channel returned by Stop, or for a
// settle delay, before reading it.
type Session struct {
	capability Capability
	metrics    *observe.Metrics

	mu        sync.Mutex
	gen       uint64
	listening bool
	stream    Stream
	finals    []string
	partial   string
	done      chan struct{}
	observer  func(Update)
}

// NewSession returns a Session backed by c. A nil c yields a session whose
// Start always fails with [ErrUnsupportedCapability].
func NewSession(c Capability, opts ...Option) *Session {
	s := &Session{capability: c}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Supported reports whether speech capture is available on this host.
func (s *Session) Supported() bool { return s.capability != nil }

// Observe replaces the observer that receives transcript and listening
// updates. fn is called from the session's goroutines and must not block.
func (s *Session) Observe(fn func(Update)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Listening reports whether a recognition run is capturing audio.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Transcript returns the current transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLocked()
}

// Start resets the transcript and begins recognition in languageTag.
func (s *Session) Start(ctx context.Context, languageTag string) error {
	if s.capability == nil {
		return ErrUnsupportedCapability
	}

	s.mu.Lock()
	prev := s.stream
	wasListening := s.listening
	s.gen++
	gen := s.gen
	s.listening = false
	s.stream = nil
	s.finals = nil
	s.partial = ""
	s.mu.Unlock()

	if wasListening {
		s.metrics.ActiveCaptures.Add(ctx, -1)
		if err := prev.Stop(); err != nil {
			slog.Warn("speech: stop previous run", "err", err)
		}
	}

	stream, err := s.capability.Start(ctx, languageTag)
	if err != nil {
		s.metrics.RecordRecognitionFailure(ctx, "start")
		return fmt.Errorf("speech: start %q: %w", languageTag, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// A concurrent Start superseded this one.
		s.mu.Unlock()
		_ = stream.Stop()
		return nil
	}
	done := make(chan struct{})
	s.stream = stream
	s.listening = true
	s.done = done
	s.mu.Unlock()

	s.metrics.ActiveCaptures.Add(ctx, 1)
	slog.Debug("speech: capture started", "language", languageTag)
	go s.consume(gen, stream, done)

	s.notify(Update{Listening: true})
	return nil
}

// Stop asks the capability to finalise and clears the listening flag. It is
// a no-op when the session is not listening. The returned channel is closed
// once the capability has delivered its last result.
func (s *Session) Stop() <-chan struct{} {
	s.mu.Lock()
	if !s.listening {
		done := s.done
		s.mu.Unlock()
		if done == nil {
			done = make(chan struct{})
			close(done)
		}
		return done
	}
	s.listening = false
	stream, done := s.stream, s.done
	tr := s.transcriptLocked()
	s.mu.Unlock()

	s.metrics.ActiveCaptures.Add(context.Background(), -1)
	if err := stream.Stop(); err != nil {
		slog.Warn("speech: stop", "err", err)
	}
	s.notify(Update{Transcript: tr})
	return done
}

func (s *Session) consume(gen uint64, stream Stream, done chan struct{}) {
	defer close(done)

	for ev := range stream.Events() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			continue
		}

		if ev.Err != nil {
			wasListening := s.listening
			s.listening = false
			tr := s.transcriptLocked()
			s.mu.Unlock()

			slog.Warn("speech: recognition failed", "err", ev.Err)
			s.metrics.RecordRecognitionFailure(context.Background(), "stream")
			if wasListening {
				s.metrics.ActiveCaptures.Add(context.Background(), -1)
				_ = stream.Stop()
			}
			s.notify(Update{Transcript: tr, Err: fmt.Errorf("%w: %w", ErrRecognitionFailed, ev.Err)})
			continue
		}

		if ev.Final {
			s.finals = append(s.finals, ev.Text)
			s.partial = ""
		} else {
			s.partial = ev.Text
		}
		u := Update{Transcript: s.transcriptLocked(), Listening: s.listening}
		s.mu.Unlock()
		s.notify(u)
	}

	// The run ended on its own while still marked as listening.
	s.mu.Lock()
	if s.gen != gen || !s.listening {
		s.mu.Unlock()
		return
	}
	s.listening = false
	tr := s.transcriptLocked()
	s.mu.Unlock()

	s.metrics.ActiveCaptures.Add(context.Background(), -1)
	slog.Debug("speech: capture ended by capability")
	s.notify(Update{Transcript: tr})
}

func (s *Session) transcriptLocked() string {
	parts := make([]string, 0, len(s.finals)+1)
	for _, f := range s.finals {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	if p := strings.TrimSpace(s.partial); p != "" {
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

func (s *Session) notify(u Update) {
	s.mu.Lock()
	fn := s.observer
	s.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}
