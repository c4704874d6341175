package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums all data points of an Int64 sum whose attributes include kv.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, kv ...attribute.KeyValue) int64 {
	t.Helper()
	md := findMetric(rm, name)
	if md == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := md.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: unexpected data type %T", name, md.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, want := range kv {
			if v, ok := dp.Attributes.Value(want.Key); !ok || v != want.Value {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestRecordRemoteCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRemoteCall(ctx, "converse", 120*time.Millisecond, nil)
	m.RecordRemoteCall(ctx, "converse", 2*time.Second, errors.New("502"))
	m.RecordRemoteCall(ctx, "translate", 80*time.Millisecond, nil)

	rm := collect(t, reader)

	if got := counterValue(t, rm, "synapse.remote.requests", Attr("operation", "converse"), Attr("status", StatusError)); got != 1 {
		t.Errorf("converse errors = %d, want 1", got)
	}
	if got := counterValue(t, rm, "synapse.remote.requests", Attr("status", StatusOK)); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}

	md := findMetric(rm, "synapse.remote.duration")
	if md == nil {
		t.Fatal("synapse.remote.duration not found")
	}
	hist, ok := md.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected type %T", md.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("histogram count = %d, want 3", count)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHistoryAppend(ctx, "file")
	m.RecordHistoryAppend(ctx, "file")
	m.RecordPlaybackFailure(ctx)
	m.RecordRecognitionFailure(ctx, "network")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", StatusOK)
	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, 1)
	m.ActiveCaptures.Add(ctx, -1)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
		kv   []attribute.KeyValue
	}{
		{"synapse.history.appends", 2, []attribute.KeyValue{Attr("backend", "file")}},
		{"synapse.playback.failures", 1, nil},
		{"synapse.recognition.failures", 1, []attribute.KeyValue{Attr("reason", "network")}},
		{"synapse.provider.requests", 1, []attribute.KeyValue{Attr("kind", "tts")}},
		{"synapse.active_captures", 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, rm, tt.name, tt.kv...); got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusOK || StatusOf(errors.New("x")) != StatusError {
		t.Error("StatusOf mapping wrong")
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics should return the same instance")
	}
}
