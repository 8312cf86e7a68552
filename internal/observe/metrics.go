// Package observe provides application-wide observability primitives for
// Attenda: OpenTelemetry metrics and HTTP middleware that records them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Attenda metrics.
const meterName = "github.com/attenda-ai/attenda"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use since the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from the last voiced audio frame of an
	// utterance to its final transcript. Includes provider endpointing.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM generation latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per turn.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Interruptions counts barge-in events. Use with attribute:
	//   attribute.String("source", "transcript"|"audio")
	Interruptions metric.Int64Counter

	// Transfers counts transfer-to-human escalations.
	Transfers metric.Int64Counter

	// Reconnects counts media-stream reconnections onto live sessions.
	Reconnects metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// GatekeeperDecisions counts conference gatekeeper verdicts. Use with
	//   attribute.String("verdict", "respond"|"silent")
	GatekeeperDecisions metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConferences tracks the number of live 3-way bridges.
	ActiveConferences metric.Int64UpDownCounter

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
	if met.STTDuration, err = m.Float64Histogram("attenda.stt.duration",
		metric.WithDescription("Latency from the last voiced frame to a final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("attenda.llm.duration",
		metric.WithDescription("Latency of LLM generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("attenda.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("attenda.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Interruptions, err = m.Int64Counter("attenda.interruptions",
		metric.WithDescription("Total barge-in events by source."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("attenda.transfers",
		metric.WithDescription("Total transfer-to-human escalations."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("attenda.reconnects",
		metric.WithDescription("Total media-stream reconnections onto live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("attenda.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.GatekeeperDecisions, err = m.Int64Counter("attenda.gatekeeper.decisions",
		metric.WithDescription("Total conference gatekeeper verdicts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("attenda.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("attenda.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConferences, err = m.Int64UpDownCounter("attenda.active_conferences",
		metric.WithDescription("Number of live 3-way conference bridges."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("attenda.http.request.duration",
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

// RecordInterruption records a barge-in event counter increment.
func (m *Metrics) RecordInterruption(ctx context.Context, source string) {
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordGatekeeperDecision records a conference gatekeeper verdict.
func (m *Metrics) RecordGatekeeperDecision(ctx context.Context, respond bool) {
	verdict := "silent"
	if respond {
		verdict = "respond"
	}
	m.GatekeeperDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
