package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/csr"

// NewTracerProvider builds an SDK trace provider. Exporter wiring (OTLP,
// stdout, etc.) is left to the caller via opts, matching the teacher's
// pattern of constructing the provider once in main and injecting a
// Tracer everywhere else.
func NewTracerProvider(opts ...trace.TracerProviderOption) *trace.TracerProvider {
	return trace.NewTracerProvider(opts...)
}

// StartDispatchSpan opens a span around one Dispatcher operation, tagging
// it with the virtual path and verb so traces line up with the
// DispatchOpDuration histogram's labels.
func StartDispatchSpan(ctx context.Context, path, verb string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, "dispatch."+verb, oteltrace.WithAttributes(
		attribute.String("csr.path", path),
		attribute.String("csr.verb", verb),
	))
}
