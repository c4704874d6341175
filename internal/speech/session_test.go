package speech_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/internal/speech"
	"github.com/whotf-ash/synapse/internal/speech/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// sumValue returns the total of an int64 sum metric, or 0 when absent.
func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// recorder collects observer updates.
type recorder struct {
	mu      sync.Mutex
	updates []speech.Update
}

func (r *recorder) observe(u speech.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) last() speech.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return speech.Update{}
	}
	return r.updates[len(r.updates)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_Unsupported(t *testing.T) {
	t.Parallel()
	s := speech.NewSession(nil)
	if s.Supported() {
		t.Error("Supported() = true for nil capability")
	}
	if err := s.Start(context.Background(), "es-ES"); !errors.Is(err, speech.ErrUnsupportedCapability) {
		t.Errorf("Start error = %v, want ErrUnsupportedCapability", err)
	}
	if s.Listening() {
		t.Error("Listening() = true after failed start")
	}
}

func TestSession_TranscriptAccumulates(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	c := &mock.Capability{}
	s := speech.NewSession(c, speech.WithMetrics(m))

	if err := s.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Listening() {
		t.Fatal("Listening() = false after Start")
	}
	if c.Tags[0] != "en-US" {
		t.Errorf("language tag = %q", c.Tags[0])
	}

	st := c.Last()
	st.Emit(speech.Event{Text: "hel"})
	st.Emit(speech.Event{Text: "hello"})
	st.Emit(speech.Event{Text: "hello", Final: true})
	st.Emit(speech.Event{Text: "wor"})
	waitFor(t, "interim transcript", func() bool { return s.Transcript() == "hello wor" })

	st.Emit(speech.Event{Text: "world", Final: true})
	waitFor(t, "final transcript", func() bool { return s.Transcript() == "hello world" })
}

func TestSession_StartResetsTranscript(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	c := &mock.Capability{CloseOnStop: true}
	s := speech.NewSession(c, speech.WithMetrics(m))
	ctx := context.Background()

	for i, text := range []string{"uno", "dos", "tres"} {
		if err := s.Start(ctx, "es-ES"); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if got := s.Transcript(); got != "" {
			t.Fatalf("Start %d: transcript = %q, want empty", i, got)
		}
		c.Last().Emit(speech.Event{Text: text, Final: true})
		waitFor(t, "transcript", func() bool { return s.Transcript() == text })
		<-s.Stop()
	}
}

func TestSession_RestartWhileListeningStopsPrevious(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	c := &mock.Capability{}
	s := speech.NewSession(c, speech.WithMetrics(m))
	ctx := context.Background()

	_ = s.Start(ctx, "es-ES")
	first := c.Last()
	_ = s.Start(ctx, "fr-FR")

	if first.Stops() != 1 {
		t.Errorf("previous stream stops = %d, want 1", first.Stops())
	}
	// Late results of the superseded run are ignored.
	first.Emit(speech.Event{Text: "stale", Final: true})
	c.Last().Emit(speech.Event{Text: "bonjour", Final: true})
	waitFor(t, "new transcript", func() bool { return s.Transcript() == "bonjour" })
	if s.Transcript() != "bonjour" {
		t.Errorf("transcript = %q", s.Transcript())
	}
}

func TestSession_StopIsNoOpWhenIdle(t *testing.T) {
	t.Parallel()
	s := speech.NewSession(&mock.Capability{})
	select {
	case <-s.Stop():
	case <-time.After(time.Second):
		t.Fatal("Stop on idle session returned an open channel")
	}
}

func TestSession_LateResultsAfterStop(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	c := &mock.Capability{}
	rec := &recorder{}
	s := speech.NewSession(c, speech.WithMetrics(m), speech.WithObserver(rec.observe))

	_ = s.Start(context.Background(), "de-DE")
	st := c.Last()
	st.Emit(speech.Event{Text: "guten"})
	waitFor(t, "partial", func() bool { return s.Transcript() == "guten" })

	done := s.Stop()
	if s.Listening() {
		t.Error("Listening() = true after Stop")
	}
	if got := sumValue(t, reader, "synapse.active_captures"); got != 0 {
		t.Errorf("active captures after Stop = %d", got)
	}

	st.Emit(speech.Event{Text: "guten Tag", Final: true})
	st.Finish()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop channel not closed after the stream finished")
	}
	if got := s.Transcript(); got != "guten Tag" {
		t.Errorf("transcript after finalise = %q", got)
	}
	if u := rec.last(); u.Listening || u.Transcript != "guten Tag" {
		t.Errorf("last update = %+v", u)
	}
}

func TestSession_RecognitionError(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	c := &mock.Capability{}
	rec := &recorder{}
	s := speech.NewSession(c, speech.WithMetrics(m), speech.WithObserver(rec.observe))

	_ = s.Start(context.Background(), "hi-IN")
	st := c.Last()
	st.Emit(speech.Event{Err: errors.New("network")})

	waitFor(t, "error update", func() bool { return rec.last().Err != nil })
	if s.Listening() {
		t.Error("Listening() = true after recognition failure")
	}
	if !errors.Is(rec.last().Err, speech.ErrRecognitionFailed) {
		t.Errorf("update error = %v, want ErrRecognitionFailed", rec.last().Err)
	}
	if st.Stops() != 1 {
		t.Errorf("stream stops = %d, want 1", st.Stops())
	}
	if got := sumValue(t, reader, "synapse.recognition.failures"); got != 1 {
		t.Errorf("recognition failures = %d", got)
	}
}

func TestSession_CapabilityEndsRun(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	c := &mock.Capability{}
	rec := &recorder{}
	s := speech.NewSession(c, speech.WithMetrics(m), speech.WithObserver(rec.observe))

	_ = s.Start(context.Background(), "ja-JP")
	c.Last().Emit(speech.Event{Text: "こんにちは", Final: true})
	c.Last().Finish()

	waitFor(t, "listening cleared", func() bool { return !s.Listening() })
	if u := rec.last(); u.Listening || u.Err != nil || u.Transcript != "こんにちは" {
		t.Errorf("last update = %+v", u)
	}
}

func TestSession_StartError(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	c := &mock.Capability{StartErr: errors.New("mic busy")}
	s := speech.NewSession(c, speech.WithMetrics(m))

	err := s.Start(context.Background(), "es-ES")
	if err == nil {
		t.Fatal("expected start error")
	}
	if s.Listening() {
		t.Error("Listening() = true after failed start")
	}
	if got := sumValue(t, reader, "synapse.recognition.failures"); got != 1 {
		t.Errorf("recognition failures = %d", got)
	}
}
