package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented wires a handler through Middleware with fresh metrics and an
// in-memory span exporter, and serves one request against it.
func instrumented(t *testing.T, inner http.Handler, req *http.Request) (*httptest.ResponseRecorder, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := installTestTracer(t)

	rec := httptest.NewRecorder()
	Middleware(m)(inner).ServeHTTP(rec, req)
	return rec, reader, exp
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareIssuesCorrelationID(t *testing.T) {
	var inCtx string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec, _, _ := instrumented(t, handler, httptest.NewRequest("GET", "/test", nil))

	if inCtx == "" {
		t.Fatal("handler saw no correlation ID in its context")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inCtx {
		t.Errorf("X-Correlation-ID header = %q, want the context's %q", got, inCtx)
	}
}

func TestMiddlewareOpensServerSpan(t *testing.T) {
	_, _, exp := instrumented(t, okHandler(), httptest.NewRequest("GET", "/span-test", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /span-test" {
		t.Errorf("span name = %q, want HTTP GET /span-test", spans[0].Name)
	}
}

func TestMiddlewareRecordsLatency(t *testing.T) {
	_, reader, _ := instrumented(t, okHandler(), httptest.NewRequest("GET", "/metrics-test", nil))

	rm := collect(t, reader)
	count, attrs := histCount(t, rm, "convoxa.http.request.duration")
	if count != 1 {
		t.Fatalf("latency samples = %d, want 1", count)
	}
	if v, ok := attrs.Value("method"); !ok || v.AsString() != "GET" {
		t.Errorf("method attribute = %v, want GET", v)
	}
	if v, ok := attrs.Value("path"); !ok || v.AsString() != "/metrics-test" {
		t.Errorf("path attribute = %v, want /metrics-test", v)
	}
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	// Routes with dynamic segments must be recorded under the pattern so a
	// thousand agents do not become a thousand metric series.
	mux := http.NewServeMux()
	mux.Handle("GET /live/ws/{agent}", okHandler())

	_, reader, _ := instrumented(t, mux, httptest.NewRequest("GET", "/live/ws/pub-dyn-7f3a", nil))

	rm := collect(t, reader)
	_, attrs := histCount(t, rm, "convoxa.http.request.duration")
	if v, ok := attrs.Value("path"); !ok || v.AsString() != "GET /live/ws/{agent}" {
		t.Errorf("path attribute = %v, want the route pattern GET /live/ws/{agent}", v)
	}
}

func TestMiddlewareCapturesStatus(t *testing.T) {
	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec, _, exp := instrumented(t, notFound, httptest.NewRequest("GET", "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			if a.Value.AsInt64() != 404 {
				t.Errorf("status attribute = %d, want 404", a.Value.AsInt64())
			}
			return
		}
	}
	t.Error("span carries no http.response.status_code attribute")
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	var inCtx string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-"+upstream+"-00f067aa0ba902b7-01")
	rec, _, _ := instrumented(t, handler, req)

	if inCtx != upstream {
		t.Errorf("correlation ID = %q, want the upstream trace %q", inCtx, upstream)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != upstream {
		t.Errorf("X-Correlation-ID = %q, want %q", got, upstream)
	}
}

func TestResponseTapUnwraps(t *testing.T) {
	rec := httptest.NewRecorder()
	tap := &responseTap{ResponseWriter: rec, status: http.StatusOK}

	if got := tap.Unwrap(); got != http.ResponseWriter(rec) {
		t.Error("Unwrap did not return the wrapped writer")
	}
}
