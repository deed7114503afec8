// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them into a Prometheus registry served at /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from Start until the transport is open.
	// Use with attribute.String("transport", ...).
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the sink clock each buffer is
	// scheduled. Zero means the buffer started immediately.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts outbound frames handed to the transport.
	FramesSent metric.Int64Counter

	// ChunksReceived counts inbound chunks that were scheduled for playback.
	ChunksReceived metric.Int64Counter

	// ChunksDropped counts inbound chunks discarded by the session. Use with
	// attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// Interruptions counts barge-in signals. Use with
	// attribute.Int("voices", ...) sparingly; the count is usually enough.
	Interruptions metric.Int64Counter

	// Sessions counts finished sessions. Use with
	// attribute.String("outcome", ...): "stopped", "remote_closed", "error",
	// "start_failed".
	Sessions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Time from session start until the transport is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("parley.playback.lead",
		metric.WithDescription("Distance between the sink clock and a buffer's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("parley.frames.sent",
		metric.WithDescription("Total outbound audio frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("parley.chunks.received",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("parley.chunks.dropped",
		metric.WithDescription("Total inbound audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("parley.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("parley.sessions",
		metric.WithDescription("Total finished voice sessions by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordConnect records the connect latency for a transport.
func (m *Metrics) RecordConnect(ctx context.Context, transport string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordChunkDropped increments the dropped-chunk counter for reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionEnd increments the finished-session counter for outcome.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
