package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func TestTracing_SpanNameUsesRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/dishes/available", "GET /dishes/available"},
		{"/dishes/xyz", "GET " + UnmatchedRoute},
	}
	for _, tt := range tests {
		rec := newRecorder(t)
		handler := Tracing("test-service")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		spans := rec.Ended()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if spans[0].Name() != tt.want {
			t.Errorf("span name = %q, want %q", spans[0].Name(), tt.want)
		}
	}
}

func TestTracing_AttributesAndIDs(t *testing.T) {
	rec := newRecorder(t)

	var traceID, spanID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r)
		spanID = GetSpanID(r)
	})
	handler := RequestID(Requester(Tracing("test-service")(inner)))

	req := httptest.NewRequest(http.MethodGet, "/dishes/recommended?requester_id=alice", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if traceID != span.SpanContext().TraceID().String() || spanID != span.SpanContext().SpanID().String() {
		t.Errorf("handler saw %s/%s, span is %s/%s", traceID, spanID,
			span.SpanContext().TraceID(), span.SpanContext().SpanID())
	}

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["request.id"] != "req-7" {
		t.Errorf("request.id = %q", attrs["request.id"])
	}
	if attrs["requester.id"] != "alice" {
		t.Errorf("requester.id = %q", attrs["requester.id"])
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if GetTraceID(req) != "" || GetSpanID(req) != "" {
		t.Error("expected empty ids without an active span")
	}
}
