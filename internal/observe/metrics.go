// Package observe provides application-wide observability primitives for
// Synapse: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus by [InitProvider]. [DefaultMetrics] is the package-level instance;
// tests should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Synapse metrics.
const meterName = "github.com/whotf-ash/synapse"

// Status attribute values used across counters.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// RemoteDuration tracks client-side latency of backend calls. Attribute:
	// "operation" (translate, converse).
	RemoteDuration metric.Float64Histogram

	// RemoteRequests counts backend calls by "operation" and "status".
	RemoteRequests metric.Int64Counter

	// LLMDuration tracks server-side LLM inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks server-side synthesis latency.
	TTSDuration metric.Float64Histogram

	// ProviderRequests counts provider calls by "provider", "kind" and "status".
	ProviderRequests metric.Int64Counter

	// HistoryAppends counts translation records written to the history store.
	HistoryAppends metric.Int64Counter

	// PlaybackFailures counts audio playbacks that failed to start or finish.
	PlaybackFailures metric.Int64Counter

	// RecognitionFailures counts speech capture sessions that ended in error.
	RecognitionFailures metric.Int64Counter

	// ActiveCaptures tracks the number of open microphone capture sessions.
	ActiveCaptures metric.Int64UpDownCounter

	// HTTPRequestDuration tracks backend request processing time by "method"
	// and "route".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// speech and language round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.RemoteDuration, err = histogram("synapse.remote.duration",
		"Latency of calls from the interaction client to the backend."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("synapse.llm.duration",
		"Latency of LLM inference."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("synapse.tts.duration",
		"Latency of text-to-speech synthesis."); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = histogram("synapse.http.request.duration",
		"Backend HTTP request latency by method and route."); err != nil {
		return nil, err
	}

	if met.RemoteRequests, err = m.Int64Counter("synapse.remote.requests",
		metric.WithDescription("Backend calls by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("synapse.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.HistoryAppends, err = m.Int64Counter("synapse.history.appends",
		metric.WithDescription("Translation records appended to history."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFailures, err = m.Int64Counter("synapse.playback.failures",
		metric.WithDescription("Audio playbacks that failed."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionFailures, err = m.Int64Counter("synapse.recognition.failures",
		metric.WithDescription("Speech capture sessions that ended in error."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCaptures, err = m.Int64UpDownCounter("synapse.active_captures",
		metric.WithDescription("Number of open microphone capture sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// StatusOf maps an error to StatusOK or StatusError.
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordRemoteCall records one backend call with its latency and outcome.
func (m *Metrics) RecordRemoteCall(ctx context.Context, operation string, d time.Duration, err error) {
	m.RemoteDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("operation", operation)))
	m.RemoteRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("operation", operation),
		Attr("status", StatusOf(err)),
	))
}

// RecordProviderRequest records a provider request counter increment.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordHistoryAppend counts one appended history record.
func (m *Metrics) RecordHistoryAppend(ctx context.Context, backend string) {
	m.HistoryAppends.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend)))
}

// RecordPlaybackFailure counts one failed playback.
func (m *Metrics) RecordPlaybackFailure(ctx context.Context) {
	m.PlaybackFailures.Add(ctx, 1)
}

// RecordRecognitionFailure counts one failed capture session.
func (m *Metrics) RecordRecognitionFailure(ctx context.Context, reason string) {
	m.RecognitionFailures.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}
