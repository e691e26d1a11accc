package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer is the default Tracer implementation, backed by an OpenTelemetry
// TracerProvider.
type otelTracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer for the given service name. When
// OTEL_SDK_DISABLED=true it returns a Tracer backed by the global no-op
// provider. Passing a non-nil provider skips the default stdout exporter and
// uses the caller's TracerProvider instead (e.g. one pointed at a collector).
func NewTracer(serviceName string, provider *sdktrace.TracerProvider) (Tracer, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return &otelTracer{tracer: otel.Tracer("noop")}, nil
	}

	if provider != nil {
		return &otelTracer{provider: provider, tracer: provider.Tracer("confidential-ml-pipeline")}, nil
	}

	if serviceName == "" {
		serviceName = os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "confidential-ml-pipeline"
		}
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &otelTracer{provider: tp, tracer: tp.Tracer("confidential-ml-pipeline")}, nil
}

// NoopTracer returns a Tracer backed by the global default (no-op, until a
// real provider is registered) OpenTelemetry tracer. Orchestrator and
// StageRuntime default to this so callers never need to wire tracing in to
// get a working instance.
func NoopTracer() Tracer {
	return &otelTracer{tracer: otel.Tracer("noop")}
}

// StartSpan begins a span for a pipeline operation.
func (t *otelTracer) StartSpan(ctx context.Context, op SpanMetadata) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, op.Name)
	span.SetAttributes(
		attribute.Int("pipeline.stage_idx", op.StageIdx),
		attribute.Int64("pipeline.request_id", int64(op.RequestID)),
	)
	return ctx, span
}

// RecordOperation records a span's completion status and duration as span
// attributes. It does not create a separate metric stream; this core does
// no metrics collection.
func (t *otelTracer) RecordOperation(ctx context.Context, op SpanMetadata, duration time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64("pipeline.duration_seconds", duration.Seconds()))
	if err != nil {
		span.RecordError(err)
	}
}

// Shutdown flushes and stops the underlying TracerProvider, if any.
func (t *otelTracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
