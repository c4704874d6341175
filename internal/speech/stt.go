package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/whotf-ash/synapse/pkg/audio"
	"github.com/whotf-ash/synapse/pkg/provider/stt"
)

// frameRate is how many capture chunks are sent to the provider per second.
const frameRate = 50

// STTCapability is a [Capability] that streams microphone audio from a
// [Source] to a streaming STT provider.
type STTCapability struct {
	provider stt.Provider
	source   Source
	target   audio.Format
}

var _ Capability = (*STTCapability)(nil)

// NewSTTCapability returns a capability feeding source into p. Audio is
// converted to target (usually 16 kHz mono) before it is sent. It fails when
// p is nil or the source is not available, which callers treat as
// "speech recognition unsupported".
func NewSTTCapability(p stt.Provider, source Source, target audio.Format) (*STTCapability, error) {
	if p == nil {
		return nil, errors.New("speech: no STT provider configured")
	}
	if source == nil {
		return nil, errors.New("speech: no capture source configured")
	}
	if err := source.Available(); err != nil {
		return nil, err
	}
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return nil, fmt.Errorf("speech: invalid target format %+v", target)
	}
	return &STTCapability{provider: p, source: source, target: target}, nil
}

// Start implements [Capability].
func (c *STTCapability) Start(ctx context.Context, languageTag string) (Stream, error) {
	sess, err := c.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: c.target.SampleRate,
		Channels:   c.target.Channels,
		Language:   languageTag,
	})
	if err != nil {
		return nil, fmt.Errorf("speech: start stt stream: %w", err)
	}

	src, format, err := c.source.Open(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("speech: open capture: %w", err)
	}

	st := &sttStream{
		sess:   sess,
		src:    src,
		conv:   &audio.FormatConverter{Target: c.target},
		events: make(chan Event, 64),
		errc:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	go st.pump(format)
	go st.merge()
	return st, nil
}

// sttStream adapts an stt.SessionHandle plus a capture reader to [Stream].
type sttStream struct {
	sess stt.SessionHandle
	src  io.ReadCloser
	conv *audio.FormatConverter

	events chan Event
	errc   chan error
	stop   chan struct{}
	once   sync.Once
}

func (s *sttStream) Events() <-chan Event { return s.events }

func (s *sttStream) Stop() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.src.Close()
		err = s.sess.Close()
	})
	return err
}

func (s *sttStream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// pump reads capture audio and forwards it to the provider. When capture ends
// on its own the provider session is closed so it finalises.
func (s *sttStream) pump(format audio.Format) {
	frameBytes := format.SampleRate * format.Channels * 2 / frameRate
	if frameBytes <= 0 {
		frameBytes = 640
	}
	buf := make([]byte, frameBytes)

	for {
		n, err := io.ReadFull(s.src, buf)
		if n > 0 {
			data := make([]byte, n-n%2)
			copy(data, buf[:len(data)])
			frame := s.conv.Convert(audio.Frame{Data: data, SampleRate: format.SampleRate, Channels: format.Channels})
			if len(frame.Data) > 0 {
				if sendErr := s.sess.SendAudio(frame.Data); sendErr != nil {
					if !errors.Is(sendErr, stt.ErrSessionClosed) && !s.stopped() {
						s.fail(fmt.Errorf("send audio: %w", sendErr))
					}
					return
				}
			}
		}
		if err == nil {
			continue
		}
		if s.stopped() {
			return
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.fail(fmt.Errorf("capture: %w", err))
			return
		}
		// Capture ended; let the provider flush what it has.
		_ = s.Stop()
		return
	}
}

func (s *sttStream) fail(err error) {
	select {
	case s.errc <- err:
	default:
	}
	_ = s.Stop()
}

// merge folds partials, finals and capture errors into one event channel.
// It closes events once the provider has closed both transcript channels.
//
// Partials and finals travel on separate channels, so their relative order is
// lost. Pending finals are always emitted before a partial, and an interim
// that is superseded by the final just emitted is dropped.
func (s *sttStream) merge() {
	defer close(s.events)

	var (
		partials, finals = s.sess.Partials(), s.sess.Finals()
		last             stt.Transcript
		checkStale       bool
	)
	emitFinal := func(t stt.Transcript) {
		s.events <- Event{Text: t.Text, Final: true}
		last, checkStale = t, true
	}
	drainFinals := func() {
		for finals != nil {
			select {
			case t, ok := <-finals:
				if !ok {
					finals = nil
					return
				}
				emitFinal(t)
			default:
				return
			}
		}
	}

	for partials != nil || finals != nil {
		drainFinals()
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			drainFinals()
			if checkStale && supersededBy(t, last) {
				continue
			}
			checkStale = false
			s.events <- Event{Text: t.Text}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			emitFinal(t)
		case err := <-s.errc:
			s.events <- Event{Err: err}
		}
	}
	select {
	case err := <-s.errc:
		s.events <- Event{Err: err}
	default:
	}
}

// supersededBy reports whether interim belongs to the segment final already
// closed. Word timings decide when both carry them; otherwise an interim
// whose text is a prefix of the final is treated as the same segment.
func supersededBy(interim, final stt.Transcript) bool {
	if len(interim.Words) > 0 && len(final.Words) > 0 {
		return interim.Words[len(interim.Words)-1].End <= final.Words[len(final.Words)-1].End
	}
	it := strings.ToLower(strings.TrimSpace(interim.Text))
	ft := strings.ToLower(strings.TrimSpace(final.Text))
	return it == "" || strings.HasPrefix(ft, it)
}
