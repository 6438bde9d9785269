// Package observe provides application-wide observability primitives for
// Ember: OpenTelemetry metrics, tracing helpers, and structured-logging
// enrichment.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Ember metrics.
const meterName = "github.com/emberware/ember"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a backend connect takes, from dial
	// to setup acknowledgement.
	ConnectDuration metric.Float64Histogram

	// StartDuration tracks full session bring-up latency (devices,
	// instruction fetch, credential fetch, connect).
	StartDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// MediaChunks counts outbound media chunks. Use with attribute:
	//   attribute.String("kind", "audio"|"video")
	MediaChunks metric.Int64Counter

	// Turns counts closed transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	Turns metric.Int64Counter

	// Interruptions counts inbound interruption signals.
	Interruptions metric.Int64Counter

	// Reconnects counts focus-mode wake reconnects.
	Reconnects metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// ConnectErrors counts failed connect attempts.
	ConnectErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversational sessions.
	ActiveSessions metric.Int64UpDownCounter

	// FocusSessions tracks the number of open focus sessions.
	FocusSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// connect and bring-up latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("ember.connect.duration",
		metric.WithDescription("Latency of a backend connect, dial to setup ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("ember.session.start.duration",
		metric.WithDescription("Latency of full session bring-up."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("ember.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MediaChunks, err = m.Int64Counter("ember.media.chunks",
		metric.WithDescription("Total outbound media chunks by kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("ember.transcript.turns",
		metric.WithDescription("Total closed transcript turns by role."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("ember.interruptions",
		metric.WithDescription("Total inbound interruption signals."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("ember.focus.reconnects",
		metric.WithDescription("Total focus-mode wake reconnects."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("ember.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ConnectErrors, err = m.Int64Counter("ember.connect.errors",
		metric.WithDescription("Total failed connect attempts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("ember.active_sessions",
		metric.WithDescription("Number of live conversational sessions."),
	); err != nil {
		return nil, err
	}
	if met.FocusSessions, err = m.Int64UpDownCounter("ember.focus_sessions",
		metric.WithDescription("Number of open focus sessions."),
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

// RecordMediaChunk records one outbound media chunk of the given kind.
func (m *Metrics) RecordMediaChunk(ctx context.Context, kind string) {
	m.MediaChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTurn records one closed transcript turn for role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
