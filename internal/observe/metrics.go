// Package observe provides application-wide observability primitives for
// voicewire: OpenTelemetry metrics, distributed tracing, structured logging,
// and the provider bootstrap that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicewire metrics.
const meterName = "github.com/MrWong99/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the session engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// NegotiationDuration tracks SDP offer/answer exchange latency.
	NegotiationDuration metric.Float64Histogram

	// BargeInLatency tracks the interval between user-speech-start receipt
	// and issuance of the cancellation events.
	BargeInLatency metric.Float64Histogram

	// RenewalDuration tracks credential renewal latency.
	RenewalDuration metric.Float64Histogram

	// RecoveryStepDuration tracks individual recovery plan step latency.
	RecoveryStepDuration metric.Float64Histogram

	// --- Counters ---

	// RetryAttempts counts executor attempts. Use with attributes:
	//   attribute.String("domain", ...), attribute.String("operation", ...)
	RetryAttempts metric.Int64Counter

	// RetryOutcomes counts terminal executor outcomes. Use with attributes:
	//   attribute.String("domain", ...), attribute.String("status", ...)
	RetryOutcomes metric.Int64Counter

	// CircuitTransitions counts breaker state transitions. Use with attributes:
	//   attribute.String("domain", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// ReconnectAttempts counts transport recovery attempts by strategy.
	ReconnectAttempts metric.Int64Counter

	// TurnTransitions counts conversation state transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	TurnTransitions metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// ErrorsPublished counts bus publications by domain and severity.
	ErrorsPublished metric.Int64Counter

	// FallbackDrops counts messages dropped from the full fallback queue.
	FallbackDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// FallbackQueueDepth tracks the current fallback queue occupancy.
	FallbackQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime-session latencies.
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
	if met.NegotiationDuration, err = m.Float64Histogram("voicewire.negotiation.duration",
		metric.WithDescription("Latency of SDP offer/answer exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("voicewire.barge_in.latency",
		metric.WithDescription("Interval between user speech start and cancellation send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenewalDuration, err = m.Float64Histogram("voicewire.renewal.duration",
		metric.WithDescription("Latency of credential renewal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecoveryStepDuration, err = m.Float64Histogram("voicewire.recovery.step.duration",
		metric.WithDescription("Latency of individual recovery plan steps."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RetryAttempts, err = m.Int64Counter("voicewire.retry.attempts",
		metric.WithDescription("Total retry executor attempts by domain and operation."),
	); err != nil {
		return nil, err
	}
	if met.RetryOutcomes, err = m.Int64Counter("voicewire.retry.outcomes",
		metric.WithDescription("Terminal retry executor outcomes by domain and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("voicewire.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions by domain."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("voicewire.reconnect.attempts",
		metric.WithDescription("Transport recovery attempts by strategy."),
	); err != nil {
		return nil, err
	}
	if met.TurnTransitions, err = m.Int64Counter("voicewire.turn.transitions",
		metric.WithDescription("Conversation state transitions."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicewire.interruptions",
		metric.WithDescription("Barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.ErrorsPublished, err = m.Int64Counter("voicewire.errors.published",
		metric.WithDescription("Errors published on the event bus by domain and severity."),
	); err != nil {
		return nil, err
	}
	if met.FallbackDrops, err = m.Int64Counter("voicewire.fallback.drops",
		metric.WithDescription("Messages dropped from the full data-channel fallback queue."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.FallbackQueueDepth, err = m.Int64UpDownCounter("voicewire.fallback.queue_depth",
		metric.WithDescription("Current fallback queue occupancy."),
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

// RecordRetryAttempt records one executor attempt.
func (m *Metrics) RecordRetryAttempt(ctx context.Context, domain, operation string) {
	m.RetryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("operation", operation),
	))
}

// RecordRetryOutcome records a terminal executor outcome.
func (m *Metrics) RecordRetryOutcome(ctx context.Context, domain, status string) {
	m.RetryOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("status", status),
	))
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, domain, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("to", to),
	))
}

// RecordTurnTransition records a conversation state change.
func (m *Metrics) RecordTurnTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
