package h3stream

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "h3stream")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "h3stream",
		SkipPaths:  []string{"/health"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to requests.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that starts a server span per request,
// continuing any trace context carried in the request headers.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "h3stream"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeH3(ctx)
			}

			parentCtx := config.Propagator.Extract(ctx.Context(), &headerCarrier{headers: ctx.Header()})
			spanCtx, span := tracer.Start(
				parentCtx,
				ctx.Method()+" "+ctx.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.request.method", ctx.Method()),
				attribute.String("url.path", ctx.Path()),
				attribute.String("url.scheme", ctx.Scheme()),
				attribute.String("server.address", ctx.Authority()),
				attribute.String("network.protocol.version", "3"),
				attribute.Int64("h3.stream_id", int64(ctx.StreamID)),
				attribute.Int("http.request.body.size", ctx.ContentLength()),
			)
			if reqID, ok := ctx.Get(requestIDKey); ok {
				if reqIDStr, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", reqIDStr))
				}
			}

			originalCtx := ctx.ctx
			ctx.ctx = spanCtx
			err := next.ServeH3(ctx)
			ctx.ctx = originalCtx

			status := ctx.Status()
			if err != nil && !ctx.Written() {
				status = 500
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case status >= 500:
				span.SetStatus(codes.Error, "server error")
			default:
				span.SetStatus(codes.Ok, "")
			}

			return err
		})
	}
}

// headerCarrier adapts Headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *Headers
}

func (hc *headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc *headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.headers.headers))
	for _, h := range hc.headers.headers {
		keys = append(keys, h[0])
	}
	return keys
}
