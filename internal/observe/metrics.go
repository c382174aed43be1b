// Package observe holds the OpenTelemetry instruments of the voice session,
// the turn span, trace-aware logging and the admin HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup]
// installs a Prometheus exporter bridge so that metrics can be
// scraped via the admin /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SmartGenie metrics.
const meterName = "github.com/MrWong99/smartgenie"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnLatency is the time from sending an utterance to the first
	// assistant reply of the turn.
	TurnLatency metric.Float64Histogram

	// UtteranceDuration is the recorded audio length of each sent utterance.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts sealed recordings. Use with attribute:
	//   attribute.String("status", "sent"|"empty"|"failed")
	Utterances metric.Int64Counter

	// InboundMessages counts decoded peer frames. Use with attribute:
	//   attribute.String("kind", "user-echo"|"assistant-reply"|"raw-audio"|"error")
	InboundMessages metric.Int64Counter

	// Interruptions counts clips cut short. Use with attribute:
	//   attribute.String("reason", ...)
	Interruptions metric.Int64Counter

	// StateTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ConnectionEvents counts transport lifecycle events. Use with attribute:
	//   attribute.String("event", ...)
	ConnectionEvents metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts surfaced and recovered errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin request processing time, labelled by
	// method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for a
// remote speech round trip.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("smartgenie.turn.latency",
		metric.WithDescription("Time from sending an utterance to the first assistant reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("smartgenie.utterance.duration",
		metric.WithDescription("Recorded length of sent utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("smartgenie.utterances",
		metric.WithDescription("Total sealed recordings by status."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("smartgenie.inbound.messages",
		metric.WithDescription("Total decoded peer frames by kind."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("smartgenie.playback.interruptions",
		metric.WithDescription("Total reply clips cut short by reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("smartgenie.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionEvents, err = m.Int64Counter("smartgenie.connection.events",
		metric.WithDescription("Total transport lifecycle events by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("smartgenie.session.errors",
		metric.WithDescription("Total session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("smartgenie.active_sessions",
		metric.WithDescription("Number of running voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("smartgenie.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method, route and status."),
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

// RecordTransition records one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordInbound records one decoded peer frame.
func (m *Metrics) RecordInbound(ctx context.Context, kind string) {
	m.InboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUtterance records a sealed recording outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordInterruption records a clip cut short.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnectionEvent records one transport lifecycle event.
func (m *Metrics) RecordConnectionEvent(ctx context.Context, event string) {
	m.ConnectionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordError records a session error.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
