package tracing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/onnwee/dishmatch/internal/middleware"
	"github.com/onnwee/dishmatch/internal/tracing"
)

// TestEndToEndTracing checks that handler, service and store spans land in
// one trace under the HTTP server span.
func TestEndToEndTracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, endService := tracing.StartSpan(r.Context(), "discovery.list_available")
		_, endDB := tracing.StartDBSpan(ctx, "dishes", tracing.DBOperationQuery)
		endDB(nil)
		endService(nil)
		w.WriteHeader(http.StatusOK)
	})

	traced := middleware.RequestID(middleware.Tracing("dishmatch-test")(handler))
	rr := httptest.NewRecorder()
	traced.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dishes/available", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	spans := rec.Ended()
	names := make(map[string]bool, len(spans))
	for _, s := range spans {
		names[s.Name()] = true
		if s.SpanContext().TraceID() != spans[0].SpanContext().TraceID() {
			t.Errorf("span %q is in a different trace", s.Name())
		}
	}
	for _, want := range []string{"GET /dishes/available", "discovery.list_available", "query dishes"} {
		if !names[want] {
			t.Errorf("missing span %q (have %v)", want, names)
		}
	}
}

// TestTracingDisabled checks that span helpers are safe without a provider.
func TestTracingDisabled(t *testing.T) {
	provider, err := tracing.NewProvider(context.Background(), tracing.Config{ServiceName: "dishmatch-test"}, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.Enabled() {
		t.Error("expected tracing to be disabled")
	}

	ctx, end := tracing.StartSpan(context.Background(), "noop")
	tracing.AddEvent(ctx, "event")
	end(nil)

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
