// Package observe provides application-wide observability primitives for
// the room server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge registered with the Prometheus
// default registry; this package does not serve an HTTP /metrics endpoint
// for it. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/lyeria"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveRooms tracks the number of currently registered rooms.
	ActiveRooms metric.Int64UpDownCounter

	// ControlSubscribers tracks connected control-channel sockets across all
	// rooms.
	ControlSubscribers metric.Int64UpDownCounter

	// AudioSubscribers tracks connected audio-channel sockets across all
	// rooms.
	AudioSubscribers metric.Int64UpDownCounter

	// --- Counters ---

	// RoomMutations counts state mutations. Use with attributes:
	//   attribute.String("room_id", ...), attribute.String("event_type", ...)
	RoomMutations metric.Int64Counter

	// GeneratorStartFailures counts generator sessions that failed to reach
	// the real backend and fell back to the mock synthesizer.
	GeneratorStartFailures metric.Int64Counter

	// AudioFramesEmitted counts PCM frames handed to BroadcastAudio.
	AudioFramesEmitted metric.Int64Counter

	// RoomsReaped counts rooms closed by the idle reaper.
	RoomsReaped metric.Int64Counter

	// --- Latency histograms ---

	// BroadcastDuration tracks how long a state-snapshot fan-out to all
	// control subscribers takes.
	BroadcastDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// sub-frame (20ms) to multi-second request latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveRooms, err = m.Int64UpDownCounter("lyeria.active_rooms",
		metric.WithDescription("Number of currently registered rooms."),
	); err != nil {
		return nil, err
	}
	if met.ControlSubscribers, err = m.Int64UpDownCounter("lyeria.control_subscribers",
		metric.WithDescription("Number of connected control-channel sockets across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.AudioSubscribers, err = m.Int64UpDownCounter("lyeria.audio_subscribers",
		metric.WithDescription("Number of connected audio-channel sockets across all rooms."),
	); err != nil {
		return nil, err
	}

	if met.RoomMutations, err = m.Int64Counter("lyeria.room.mutations",
		metric.WithDescription("Total room state mutations by event type."),
	); err != nil {
		return nil, err
	}
	if met.GeneratorStartFailures, err = m.Int64Counter("lyeria.generator.start_failures",
		metric.WithDescription("Total generator sessions that fell back to the mock synthesizer."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesEmitted, err = m.Int64Counter("lyeria.generator.audio_frames_emitted",
		metric.WithDescription("Total PCM frames broadcast to audio subscribers."),
	); err != nil {
		return nil, err
	}
	if met.RoomsReaped, err = m.Int64Counter("lyeria.rooms_reaped",
		metric.WithDescription("Total rooms closed by the idle reaper."),
	); err != nil {
		return nil, err
	}

	if met.BroadcastDuration, err = m.Float64Histogram("lyeria.broadcast.duration",
		metric.WithDescription("Latency of a state-snapshot fan-out to all control subscribers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lyeria.http.request.duration",
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

// RecordRoomMutation is a convenience method that records a room mutation
// counter increment with the standard attribute set.
func (m *Metrics) RecordRoomMutation(ctx context.Context, roomID, eventType string) {
	m.RoomMutations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("room_id", roomID),
			attribute.String("event_type", eventType),
		),
	)
}

// RecordGeneratorStartFailure is a convenience method that records a
// generator fallback-to-mock counter increment.
func (m *Metrics) RecordGeneratorStartFailure(ctx context.Context, roomID string) {
	m.GeneratorStartFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("room_id", roomID)),
	)
}

// RecordRoomReaped is a convenience method that records a reaped-room
// counter increment.
func (m *Metrics) RecordRoomReaped(ctx context.Context, roomID string) {
	m.RoomsReaped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("room_id", roomID)),
	)
}
