// Package observe provides application-wide observability primitives for
// NCP: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all NCP metrics.
const meterName = "github.com/portel-dev/ncp"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolCallDuration tracks the latency of a forwarded tools/call, from
	// router dispatch to relayed result.
	ToolCallDuration metric.Float64Histogram

	// IndexDuration tracks how long it took the indexer to embed and upsert
	// a single tool.
	IndexDuration metric.Float64Histogram

	// ToolCalls counts run() invocations. Use with attributes:
	//   attribute.String("mcp", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolsIndexed counts tools successfully embedded and upserted into the
	// vector index. Use with attribute: attribute.String("mcp", ...)
	ToolsIndexed metric.Int64Counter

	// EmbeddingErrors counts embedding failures the indexer skipped past.
	// Use with attribute: attribute.String("mcp", ...)
	EmbeddingErrors metric.Int64Counter

	// SchedulerFires counts scheduled job executions. Use with attribute:
	//   attribute.String("job_id", ...)
	SchedulerFires metric.Int64Counter

	// ConfirmationsRequired counts times the gate surfaced
	// ConfirmationRequired to the upstream client.
	ConfirmationsRequired metric.Int64Counter

	// ActiveDownstreamSessions tracks the number of Ready downstream
	// sessions.
	ActiveDownstreamSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time on the
	// auxiliary diagnostics listener. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), spanning
// sub-millisecond embedding lookups through multi-second tool calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("ncp.tool_call.duration",
		metric.WithDescription("Latency of a forwarded tools/call, router dispatch to relayed result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IndexDuration, err = m.Float64Histogram("ncp.index.duration",
		metric.WithDescription("Latency of embedding and upserting a single tool."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("ncp.tool.calls",
		metric.WithDescription("Total run() invocations by downstream MCP and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolsIndexed, err = m.Int64Counter("ncp.tools.indexed",
		metric.WithDescription("Total tools embedded and upserted into the vector index."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingErrors, err = m.Int64Counter("ncp.embedding.errors",
		metric.WithDescription("Total embedding failures skipped by the indexer."),
	); err != nil {
		return nil, err
	}
	if met.SchedulerFires, err = m.Int64Counter("ncp.scheduler.fires",
		metric.WithDescription("Total scheduled job executions."),
	); err != nil {
		return nil, err
	}
	if met.ConfirmationsRequired, err = m.Int64Counter("ncp.confirmations_required",
		metric.WithDescription("Total times the confirmation gate surfaced ConfirmationRequired."),
	); err != nil {
		return nil, err
	}

	if met.ActiveDownstreamSessions, err = m.Int64UpDownCounter("ncp.active_downstream_sessions",
		metric.WithDescription("Number of Ready downstream MCP sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ncp.http.request.duration",
		metric.WithDescription("HTTP request latency on the diagnostics listener, by method and path."),
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

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, mcpName, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mcp", mcpName),
			attribute.String("status", status),
		),
	)
}

// RecordToolIndexed is a convenience method that records a successful index
// upsert for mcpName.
func (m *Metrics) RecordToolIndexed(ctx context.Context, mcpName string) {
	m.ToolsIndexed.Add(ctx, 1, metric.WithAttributes(attribute.String("mcp", mcpName)))
}

// RecordEmbeddingError is a convenience method that records an embedding
// failure skipped by the indexer for mcpName.
func (m *Metrics) RecordEmbeddingError(ctx context.Context, mcpName string) {
	m.EmbeddingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("mcp", mcpName)))
}

// RecordSchedulerFire is a convenience method that records one scheduled job
// execution.
func (m *Metrics) RecordSchedulerFire(ctx context.Context, jobID string) {
	m.SchedulerFires.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", jobID)))
}
