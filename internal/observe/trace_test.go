package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps the global tracer provider for one backed by an
// in-memory exporter and restores the original when the test ends.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer for the
// duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationIDOutsideSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestCorrelationIDMatchesSpan(t *testing.T) {
	installTestTracer(t)

	ctx, span := StartSpan(context.Background(), "resolve-agent")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Errorf("CorrelationID = %q, want the span's trace ID %q", got, want)
	}
}

func TestStartSpanRecordsName(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "provider-handshake")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "provider-handshake" {
		t.Errorf("span name = %q, want provider-handshake", spans[0].Name)
	}
}

func TestCorrelationIDsAreDistinctPerTrace(t *testing.T) {
	installTestTracer(t)

	seen := make(map[string]bool, 64)
	for range 64 {
		ctx, span := StartSpan(context.Background(), "tick")
		cid := CorrelationID(ctx)
		span.End()
		if seen[cid] {
			t.Fatalf("trace ID %s issued twice", cid)
		}
		seen[cid] = true
	}
}

func TestLoggerBindsSpanIdentifiers(t *testing.T) {
	installTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()

	Logger(ctx).Info("session admitted")

	out := buf.String()
	if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
		t.Errorf("log line missing the span's trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log line missing the span's span_id: %s", out)
	}
}

func TestLoggerPlainOutsideSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("session admitted")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line should carry no trace_id outside a span: %s", buf.String())
	}
}
