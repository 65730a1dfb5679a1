// Package observe provides application-wide observability primitives for the
// router: OpenTelemetry metrics, distributed tracing, structured logging, and
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

// meterName is the instrumentation scope name used for all router metrics.
const meterName = "github.com/nacos-mcp-router/router"

// Metrics holds all OpenTelemetry metric instruments for the router. All
// fields are safe for concurrent use — the underlying OTel types handle their
// own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks use_tool execution latency against a downstream
	// MCP server.
	ToolCallDuration metric.Float64Histogram

	// RefreshDuration tracks how long a full Registry Mirror refresh cycle takes.
	RefreshDuration metric.Float64Histogram

	// SearchDuration tracks search_mcp_server handler latency.
	SearchDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts use_tool invocations. Use with attributes:
	//   attribute.String("server", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// SearchRequests counts search_mcp_server invocations.
	SearchRequests metric.Int64Counter

	// RegisterRequests counts add_mcp_server invocations. Use with attribute:
	//   attribute.String("status", ...)
	RegisterRequests metric.Int64Counter

	// RefreshErrors counts failed Registry Mirror refresh cycles.
	RefreshErrors metric.Int64Counter

	// DigestSkips counts descriptors whose digest was unchanged across a
	// refresh cycle and were therefore not re-indexed.
	DigestSkips metric.Int64Counter

	// Tombstones counts vector-index entries deleted because their server
	// disappeared from the registry.
	Tombstones metric.Int64Counter

	// SessionRetries counts tool-call retries performed after a re-initialize.
	SessionRetries metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live downstream MCP sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HealthySessions tracks the number of downstream sessions currently in a
	// healthy state.
	HealthySessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// registry/MCP round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCallDuration, err = m.Float64Histogram("router.tool_call.duration",
		metric.WithDescription("Latency of use_tool calls against downstream MCP servers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RefreshDuration, err = m.Float64Histogram("router.mirror.refresh.duration",
		metric.WithDescription("Duration of a full Registry Mirror refresh cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("router.search.duration",
		metric.WithDescription("Latency of search_mcp_server handler calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ToolCalls, err = m.Int64Counter("router.tool.calls",
		metric.WithDescription("Total use_tool invocations by server and status."),
	); err != nil {
		return nil, err
	}
	if met.SearchRequests, err = m.Int64Counter("router.search.requests",
		metric.WithDescription("Total search_mcp_server invocations."),
	); err != nil {
		return nil, err
	}
	if met.RegisterRequests, err = m.Int64Counter("router.register.requests",
		metric.WithDescription("Total add_mcp_server invocations by status."),
	); err != nil {
		return nil, err
	}
	if met.RefreshErrors, err = m.Int64Counter("router.mirror.refresh.errors",
		metric.WithDescription("Total failed Registry Mirror refresh cycles."),
	); err != nil {
		return nil, err
	}
	if met.DigestSkips, err = m.Int64Counter("router.mirror.digest_skips",
		metric.WithDescription("Total descriptors whose digest was unchanged across a refresh."),
	); err != nil {
		return nil, err
	}
	if met.Tombstones, err = m.Int64Counter("router.mirror.tombstones",
		metric.WithDescription("Total vector-index entries deleted because their server disappeared."),
	); err != nil {
		return nil, err
	}
	if met.SessionRetries, err = m.Int64Counter("router.session.retries",
		metric.WithDescription("Total tool-call retries performed after a re-initialize."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("router.sessions.active",
		metric.WithDescription("Number of live downstream MCP sessions."),
	); err != nil {
		return nil, err
	}
	if met.HealthySessions, err = m.Int64UpDownCounter("router.sessions.healthy",
		metric.WithDescription("Number of downstream sessions currently healthy."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("router.http.request.duration",
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

// RecordToolCall is a convenience method that records a tool call counter
// increment and duration with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, server, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, durationSeconds, attrs)
}

// RecordRefresh is a convenience method that records a Registry Mirror
// refresh cycle's duration and, on failure, increments the error counter.
func (m *Metrics) RecordRefresh(ctx context.Context, durationSeconds float64, err error) {
	m.RefreshDuration.Record(ctx, durationSeconds)
	if err != nil {
		m.RefreshErrors.Add(ctx, 1)
	}
}
