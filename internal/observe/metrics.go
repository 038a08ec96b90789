// Package observe provides observability primitives for voicelink:
// OpenTelemetry metrics with a Prometheus exporter bridge, plus the
// provider bootstrap shared by the client and the gateway.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/dharsan99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// InboundEvents counts received protocol events. Use with attribute:
	//   attribute.String("kind", ...)
	InboundEvents metric.Int64Counter

	// OutboundMessages counts sent protocol messages. Use with attribute:
	//   attribute.String("event", ...)
	OutboundMessages metric.Int64Counter

	// CaptureBytes counts raw PCM bytes captured from the microphone.
	CaptureBytes metric.Int64Counter

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// SessionErrors counts server-reported and transport errors. Use with
	// attribute: attribute.String("source", ...)
	SessionErrors metric.Int64Counter

	// PlaybackDuration tracks wall time spent rendering one audio payload.
	PlaybackDuration metric.Float64Histogram

	// UtteranceDuration tracks the audio length of sealed utterances.
	UtteranceDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// GatewayRequestDuration tracks gateway proxy latency. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	GatewayRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for voice payloads and proxy hops.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InboundEvents, err = m.Int64Counter("voicelink.events.inbound",
		metric.WithDescription("Total inbound protocol events by kind."),
	); err != nil {
		return nil, err
	}
	if met.OutboundMessages, err = m.Int64Counter("voicelink.messages.outbound",
		metric.WithDescription("Total outbound protocol messages by event."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("voicelink.capture.bytes",
		metric.WithDescription("Raw PCM bytes captured from the microphone."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voicelink.transport.reconnects",
		metric.WithDescription("Automatic reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voicelink.session.errors",
		metric.WithDescription("Session errors by source."),
	); err != nil {
		return nil, err
	}

	if met.PlaybackDuration, err = m.Float64Histogram("voicelink.playback.duration",
		metric.WithDescription("Wall time spent rendering one audio payload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("voicelink.utterance.duration",
		metric.WithDescription("Audio length of sealed utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicelink.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.GatewayRequestDuration, err = m.Float64Histogram("voicelink.gateway.request.duration",
		metric.WithDescription("Gateway proxy latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordInboundEvent records one received protocol event.
func (m *Metrics) RecordInboundEvent(ctx context.Context, kind string) {
	m.InboundEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordOutboundMessage records one sent protocol message.
func (m *Metrics) RecordOutboundMessage(ctx context.Context, event string) {
	m.OutboundMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordSessionError records one session error attributed to its source
// ("server", "transport", "playback", "capture").
func (m *Metrics) RecordSessionError(ctx context.Context, source string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
