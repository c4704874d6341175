// Package mock provides test doubles for the speech capability interfaces.
//
// Tests push scripted events into a Stream and close it to simulate the
// capability finalising:
//
//	c := &mock.Capability{}
//	sess := speech.NewSession(c)
//	_ = sess.Start(ctx, "es-ES")
//	c.Last().Emit(speech.Event{Text: "hola", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/whotf-ash/synapse/internal/speech"
)

// Capability is a mock [speech.Capability]. Each Start returns a fresh
// [Stream].
type Capability struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CloseOnStop makes every Stream close its event channel as soon as Stop
	// is called, simulating a capability that finalises instantly.
	CloseOnStop bool

	// Tags records the language tag of every Start call.
	Tags []string

	streams []*Stream
}

var _ speech.Capability = (*Capability)(nil)

// Start implements [speech.Capability].
func (c *Capability) Start(_ context.Context, tag string) (speech.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tags = append(c.Tags, tag)
	if c.StartErr != nil {
		return nil, c.StartErr
	}
	s := &Stream{events: make(chan speech.Event, 32), closeOnStop: c.CloseOnStop}
	c.streams = append(c.streams, s)
	return s, nil
}

// Last returns the most recently started stream, or nil.
func (c *Capability) Last() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

// Starts returns how many streams were started.
func (c *Capability) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Stream is a mock [speech.Stream].
type Stream struct {
	mu          sync.Mutex
	events      chan speech.Event
	closeOnStop bool
	closed      bool
	stops       int
}

var _ speech.Stream = (*Stream)(nil)

// Events implements [speech.Stream].
func (s *Stream) Events() <-chan speech.Event { return s.events }

// Stop implements [speech.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.closeOnStop && !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit delivers ev to the consumer. It is a no-op once the stream is closed.
func (s *Stream) Emit(ev speech.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Finish closes the event channel, signalling that the capability finalised.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Stops returns how many times Stop was called.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
