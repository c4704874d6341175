package speech_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/whotf-ash/synapse/internal/speech"
	"github.com/whotf-ash/synapse/pkg/audio"
	"github.com/whotf-ash/synapse/pkg/provider/stt"
	sttmock "github.com/whotf-ash/synapse/pkg/provider/stt/mock"
)

// fakeSource serves a fixed PCM buffer, or blocks until closed when Block is set.
type fakeSource struct {
	PCM      []byte
	Format   audio.Format
	Block    bool
	OpenErr  error
	AvailErr error

	mu     sync.Mutex
	reader *blockingReader
}

func (f *fakeSource) Available() error { return f.AvailErr }

func (f *fakeSource) Open(context.Context) (io.ReadCloser, audio.Format, error) {
	if f.OpenErr != nil {
		return nil, audio.Format{}, f.OpenErr
	}
	if f.Block {
		r := &blockingReader{closed: make(chan struct{})}
		f.mu.Lock()
		f.reader = r
		f.mu.Unlock()
		return r, f.Format, nil
	}
	return io.NopCloser(bytes.NewReader(f.PCM)), f.Format, nil
}

type blockingReader struct {
	once   sync.Once
	closed chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, io.ErrClosedPipe
}

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func collectEvents(t *testing.T, st speech.Stream) []speech.Event {
	t.Helper()
	var out []speech.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-st.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("events channel not closed")
		}
	}
}

func TestNewSTTCapability_Validation(t *testing.T) {
	t.Parallel()
	target := audio.Format{SampleRate: 16000, Channels: 1}
	if _, err := speech.NewSTTCapability(nil, &fakeSource{}, target); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := speech.NewSTTCapability(&sttmock.Provider{}, nil, target); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := speech.NewSTTCapability(&sttmock.Provider{}, &fakeSource{AvailErr: errors.New("no arecord")}, target); err == nil {
		t.Error("expected error for unavailable source")
	}
	if _, err := speech.NewSTTCapability(&sttmock.Provider{}, &fakeSource{}, audio.Format{}); err == nil {
		t.Error("expected error for zero target format")
	}
}

func TestSTTCapability_ConvertsAndForwardsAudio(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	p := &sttmock.Provider{Session: sess}
	// 40ms of 32 kHz stereo: two 20ms capture frames.
	src := &fakeSource{PCM: make([]byte, 32000*2*2/25), Format: audio.Format{SampleRate: 32000, Channels: 2}}

	c, err := speech.NewSTTCapability(p, src, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.Start(context.Background(), "es-ES")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The source hits EOF, which closes the provider session and ends the run.
	events := collectEvents(t, st)
	if len(events) != 0 {
		t.Errorf("events = %+v", events)
	}

	cfg := p.StartStreamCalls[0].Cfg
	if cfg.Language != "es-ES" || cfg.SampleRate != 16000 || cfg.Channels != 1 {
		t.Errorf("stream config = %+v", cfg)
	}
	if sess.ChunkCount() != 2 {
		t.Fatalf("chunks = %d, want 2", sess.ChunkCount())
	}
	for i, chunk := range sess.Chunks {
		// 20ms at 16 kHz mono.
		if len(chunk) != 640 {
			t.Errorf("chunk %d: %d bytes, want 640", i, len(chunk))
		}
	}
}

func TestSTTCapability_MergesTranscripts(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	p := &sttmock.Provider{Session: sess}
	src := &fakeSource{Block: true, Format: audio.Format{SampleRate: 16000, Channels: 1}}

	c, _ := speech.NewSTTCapability(p, src, audio.Format{SampleRate: 16000, Channels: 1})
	st, err := c.Start(context.Background(), "fr-FR")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.PartialsCh <- stt.Transcript{Text: "bon"}
	if ev := <-st.Events(); ev.Text != "bon" || ev.Final {
		t.Errorf("partial event = %+v", ev)
	}
	sess.FinalsCh <- stt.Transcript{Text: "bonjour", IsFinal: true}
	if ev := <-st.Events(); ev.Text != "bonjour" || !ev.Final {
		t.Errorf("final event = %+v", ev)
	}

	if err := st.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = st.Stop()
	collectEvents(t, st)
	if sess.Closes() != 1 {
		t.Errorf("provider session closes = %d, want 1", sess.Closes())
	}
}

func TestSTTCapability_FinalSupersedesPendingInterim(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		sess := sttmock.NewSession()
		sess.PartialsCh <- stt.Transcript{Text: "hello"}
		sess.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
		p := &sttmock.Provider{Session: sess}
		src := &fakeSource{Block: true, Format: audio.Format{SampleRate: 16000, Channels: 1}}

		c, err := speech.NewSTTCapability(p, src, audio.Format{SampleRate: 16000, Channels: 1})
		if err != nil {
			t.Fatal(err)
		}
		s := speech.NewSession(c)
		if err := s.Start(context.Background(), "en-US"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		select {
		case <-s.Stop():
		case <-time.After(2 * time.Second):
			t.Fatal("capture did not finish")
		}
		if got := s.Transcript(); got != "hello" {
			t.Fatalf("run %d: transcript = %q, want %q", i, got, "hello")
		}
	}
}

func TestSTTCapability_InterimForNextSegmentKept(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	sess.FinalsCh <- stt.Transcript{Text: "good morning", IsFinal: true,
		Words: []stt.WordDetail{{Word: "good", End: 300 * time.Millisecond}, {Word: "morning", End: 700 * time.Millisecond}}}
	sess.PartialsCh <- stt.Transcript{Text: "good",
		Words: []stt.WordDetail{{Word: "good", End: 1200 * time.Millisecond}}}
	p := &sttmock.Provider{Session: sess}
	src := &fakeSource{Block: true, Format: audio.Format{SampleRate: 16000, Channels: 1}}

	c, _ := speech.NewSTTCapability(p, src, audio.Format{SampleRate: 16000, Channels: 1})
	st, err := c.Start(context.Background(), "en-US")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = st.Stop()
	events := collectEvents(t, st)
	if len(events) != 2 || !events[0].Final || events[1].Final || events[1].Text != "good" {
		t.Errorf("events = %+v", events)
	}
}

func TestSTTCapability_OpenErrorClosesSession(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	p := &sttmock.Provider{Session: sess}
	src := &fakeSource{OpenErr: errors.New("device busy")}

	c, _ := speech.NewSTTCapability(p, src, audio.Format{SampleRate: 16000, Channels: 1})
	if _, err := c.Start(context.Background(), "de-DE"); err == nil {
		t.Fatal("expected error")
	}
	if sess.Closes() != 1 {
		t.Errorf("provider session closes = %d, want 1", sess.Closes())
	}
}

func TestSTTCapability_ProviderError(t *testing.T) {
	t.Parallel()
	p := &sttmock.Provider{StartStreamErr: errors.New("401")}
	c, _ := speech.NewSTTCapability(p, &fakeSource{}, audio.Format{SampleRate: 16000, Channels: 1})
	if _, err := c.Start(context.Background(), "de-DE"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandSource(t *testing.T) {
	t.Parallel()
	if err := (speech.CommandSource{}).Available(); err == nil {
		t.Error("expected error for empty command")
	}
	if err := (speech.CommandSource{Command: "synapse-no-such-recorder -q"}).Available(); err == nil {
		t.Error("expected error for missing binary")
	}

	src := speech.CommandSource{Command: "head -c 640 /dev/zero", Format: audio.Format{SampleRate: 16000, Channels: 1}}
	if err := src.Available(); err != nil {
		t.Skipf("head not available: %v", err)
	}
	r, format, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 640 || format.SampleRate != 16000 {
		t.Errorf("read %d bytes, format %+v", len(data), format)
	}
}
