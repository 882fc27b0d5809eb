package h3stream

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingConfig() (TracingConfig, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	cfg := DefaultTracingConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return cfg, rec
}

func TestTracing_ContinuesRemoteTrace(t *testing.T) {
	cfg, rec := newRecordingConfig()
	var inner trace.SpanContext
	h := TracingWithConfig(cfg)(HandlerFunc(func(c *Context) error {
		inner = trace.SpanContextFromContext(c.Context())
		return c.String(200, "ok")
	}))

	traceparent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	if _, err := serve(t, h, request("GET", "/traced?q=1", [2]string{"traceparent", traceparent}), nil); err != nil {
		t.Fatal(err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /traced" || span.SpanKind() != trace.SpanKindServer {
		t.Errorf("span = %q kind %v", span.Name(), span.SpanKind())
	}
	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
	if span.Parent().SpanID().String() != "00f067aa0ba902b7" {
		t.Errorf("parent = %s", span.Parent().SpanID())
	}
	if inner.SpanID() != span.SpanContext().SpanID() {
		t.Errorf("handler context does not carry the request span")
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v", span.Status())
	}
}

func TestTracing_RecordsFailure(t *testing.T) {
	cfg, rec := newRecordingConfig()
	h := TracingWithConfig(cfg)(HandlerFunc(func(*Context) error {
		return errors.New("exploded")
	}))

	if _, err := serve(t, h, request("POST", "/fail"), nil); err == nil {
		t.Fatal("expected error")
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("spans = %v", spans)
	}
	var status int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != 500 {
		t.Errorf("recorded status = %d, want 500", status)
	}
}

func TestTracing_SkipPaths(t *testing.T) {
	cfg, rec := newRecordingConfig()
	h := TracingWithConfig(cfg)(HandlerFunc(func(c *Context) error {
		return c.NoContent(204)
	}))
	if _, err := serve(t, h, request("GET", "/health"), nil); err != nil {
		t.Fatal(err)
	}
	if n := len(rec.Ended()); n != 0 {
		t.Errorf("health check produced %d spans", n)
	}
}
