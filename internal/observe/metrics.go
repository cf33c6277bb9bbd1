// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline counters ---

	// CaptureFrames counts frames produced by the capture source.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts frames discarded because the sender fell behind.
	CaptureDropped metric.Int64Counter

	// TransportSent counts audio payloads sent to the remote service. Use with
	// attribute: attribute.String("status", "ok"|"error")
	TransportSent metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks placed on the output timeline.
	PlaybackChunks metric.Int64Counter

	// DecodeErrors counts inbound audio chunks dropped because they could not
	// be decoded.
	DecodeErrors metric.Int64Counter

	// --- Conversation counters ---

	// Interruptions counts barge-ins that cut off model playback.
	Interruptions metric.Int64Counter

	// Turns counts completed (non-empty) conversation turns.
	Turns metric.Int64Counter

	// StateChanges counts session state transitions. Use with attribute:
	//   attribute.String("state", ...)
	StateChanges metric.Int64Counter

	// SessionStarts counts session start attempts. Use with attribute:
	//   attribute.String("result", "started"|"rejected")
	SessionStarts metric.Int64Counter

	// --- Latency histograms ---

	// PlaybackGap tracks silence inserted when a reply chunk arrived after
	// the previous one had finished playing.
	PlaybackGap metric.Float64Histogram

	// SessionOpenDuration tracks the time from Start until the remote service
	// acknowledged the session.
	SessionOpenDuration metric.Float64Histogram

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

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voxline.capture.frames",
		metric.WithDescription("Total audio frames produced by the capture source."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("voxline.capture.dropped",
		metric.WithDescription("Total captured frames dropped because the sender fell behind."),
	); err != nil {
		return nil, err
	}
	if met.TransportSent, err = m.Int64Counter("voxline.transport.sent",
		metric.WithDescription("Total audio payloads sent to the remote service by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("voxline.playback.chunks",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxline.decode.errors",
		metric.WithDescription("Total inbound audio chunks dropped due to decode failures."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxline.interruptions",
		metric.WithDescription("Total barge-ins that interrupted model playback."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxline.turns",
		metric.WithDescription("Total completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.StateChanges, err = m.Int64Counter("voxline.state_changes",
		metric.WithDescription("Total session state transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.SessionStarts, err = m.Int64Counter("voxline.session.starts",
		metric.WithDescription("Total session start attempts by result."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackGap, err = m.Float64Histogram("voxline.playback.gap",
		metric.WithDescription("Silence inserted between reply chunks due to late arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionOpenDuration, err = m.Float64Histogram("voxline.session.open.duration",
		metric.WithDescription("Time from session start until the remote service is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxline.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSend records one outbound audio payload with its outcome.
func (m *Metrics) RecordSend(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TransportSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStateChange records a transition into state.
func (m *Metrics) RecordStateChange(ctx context.Context, state string) {
	m.StateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordPlaybackGap records an underrun of length gap.
func (m *Metrics) RecordPlaybackGap(ctx context.Context, gap time.Duration) {
	m.PlaybackGap.Record(ctx, gap.Seconds())
}
