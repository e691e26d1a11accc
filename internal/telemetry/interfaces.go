package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Tracer creates spans for pipeline operations. A no-op implementation is
// used when tracing is disabled, so callers never need to nil-check.
type Tracer interface {
	StartSpan(ctx context.Context, op SpanMetadata) (context.Context, trace.Span)
	RecordOperation(ctx context.Context, op SpanMetadata, duration time.Duration, err error)
	Shutdown(ctx context.Context) error
}

// SpanMetadata identifies the pipeline operation a span covers.
type SpanMetadata struct {
	Name      string // e.g. "orchestrator.infer", "stage.process_loop"
	StageIdx  int
	RequestID uint64
}
