// Package observe provides application-wide observability primitives for the
// session runtime: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Instruments live on a [Metrics] struct and record through the
// OpenTelemetry API; [InitProvider] bridges them to a Prometheus /metrics
// endpoint for scraping. Production code shares the lazy [DefaultMetrics]
// instance. Tests construct their own via [NewMetrics] so readings never
// leak between tests.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/MrWong99/convoxa"

// Metrics bundles every instrument the runtime records. Fields are safe for
// concurrent use; synchronisation lives in the OTel SDK.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks whole-conversation length. Use with attribute:
	//   attribute.String("transport", ...)
	SessionDuration metric.Float64Histogram

	// SignedURLDuration tracks provider signed-URL preflight latency.
	SignedURLDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency. Use with attribute:
	//   attribute.String("tool", ...)
	ToolExecutionDuration metric.Float64Histogram

	// ReconcileDuration tracks post-call reconcile job latency.
	ReconcileDuration metric.Float64Histogram

	// --- Counters ---

	// SessionsStarted counts admitted sessions. Use with attribute:
	//   attribute.String("transport", ...)
	SessionsStarted metric.Int64Counter

	// SessionsEnded counts finished sessions. Use with attribute:
	//   attribute.String("cause", ...)
	SessionsEnded metric.Int64Counter

	// TokensDebited counts committed meter ticks. Use with attribute:
	//   attribute.String("tenant", ...)
	TokensDebited metric.Int64Counter

	// QuotaBreaches counts aborted meter ticks. Use with attribute:
	//   attribute.String("dimension", ...)
	QuotaBreaches metric.Int64Counter

	// ToolCalls counts tool-call executions. Use with attributes:
	//   attribute.String("tool", ...) and attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// AudioFramesDropped counts frames shed by full queues. Use with attribute:
	//   attribute.String("direction", "ingress"|"egress")
	AudioFramesDropped metric.Int64Counter

	// ModelCorrections counts language/model compatibility corrections.
	ModelCorrections metric.Int64Counter

	// ReconcileJobs counts finished reconcile jobs. Use with attribute:
	//   attribute.String("outcome", "done"|"retried"|"failed")
	ReconcileJobs metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attribute:
	//   attribute.String("op", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks handler latency. Use with attributes:
	//   attribute.String("method", ...) and attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for
// conversation-scale durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics registers every instrument on a meter from mp. It fails when
// the provider rejects an instrument.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("convoxa.session.duration",
		metric.WithDescription("Length of finished conversations by transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SignedURLDuration, err = m.Float64Histogram("convoxa.signed_url.duration",
		metric.WithDescription("Latency of the provider signed-URL preflight."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("convoxa.tool_execution.duration",
		metric.WithDescription("Latency of tool execution by tool name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReconcileDuration, err = m.Float64Histogram("convoxa.reconcile.duration",
		metric.WithDescription("Latency of post-call reconcile jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("convoxa.sessions.started",
		metric.WithDescription("Total admitted sessions by transport."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("convoxa.sessions.ended",
		metric.WithDescription("Total finished sessions by termination cause."),
	); err != nil {
		return nil, err
	}
	if met.TokensDebited, err = m.Int64Counter("convoxa.tokens.debited",
		metric.WithDescription("Total committed meter ticks by tenant."),
	); err != nil {
		return nil, err
	}
	if met.QuotaBreaches, err = m.Int64Counter("convoxa.quota.breaches",
		metric.WithDescription("Total meter ticks refused by quota dimension."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("convoxa.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("convoxa.audio.frames_dropped",
		metric.WithDescription("Total audio frames shed by full queues, by direction."),
	); err != nil {
		return nil, err
	}
	if met.ModelCorrections, err = m.Int64Counter("convoxa.model.corrections",
		metric.WithDescription("Total language/TTS-model compatibility corrections."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileJobs, err = m.Int64Counter("convoxa.reconcile.jobs",
		metric.WithDescription("Total reconcile jobs by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("convoxa.provider.errors",
		metric.WithDescription("Total provider errors by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("convoxa.active_sessions",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("convoxa.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], built on first use
// against [otel.GetMeterProvider]. It panics if instrument registration
// fails.
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

// RecordSessionStart increments the session counter and the active gauge.
func (m *Metrics) RecordSessionStart(ctx context.Context, transport string) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnd records a finished session with its termination cause and
// duration, and decrements the active gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context, transport, cause string, durationSecs float64) {
	m.SessionsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
	)
	m.SessionDuration.Record(ctx, durationSecs,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordTick records a committed meter tick for a tenant.
func (m *Metrics) RecordTick(ctx context.Context, tenantID string) {
	m.TokensDebited.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant", tenantID)),
	)
}

// RecordQuotaBreach records a refused meter tick.
func (m *Metrics) RecordQuotaBreach(ctx context.Context, dimension string) {
	m.QuotaBreaches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("dimension", dimension)),
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

// RecordDroppedFrames records n shed audio frames for one direction.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, direction string, n int64) {
	m.AudioFramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProviderError records a provider error for one operation.
func (m *Metrics) RecordProviderError(ctx context.Context, op string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}

// RecordReconcileJob records a finished reconcile job.
func (m *Metrics) RecordReconcileJob(ctx context.Context, outcome string, durationSecs float64) {
	m.ReconcileJobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.ReconcileDuration.Record(ctx, durationSecs)
}
