// Package telemetry provides distributed tracing for the pipeline control
// plane using OpenTelemetry.
//
// The orchestrator and stage runtime each hold a Tracer and wrap their
// operations (Init, Infer, HealthCheck, Shutdown, the control phase, the
// data phase, the process loop) in spans carrying stage index and request
// id attributes. When tracing is disabled, NewTracer returns a Tracer backed
// by the global no-op provider, so callers never branch on whether tracing
// is active.
//
// # Configuration
//
//   - OTEL_SDK_DISABLED: set to "true" to force the no-op tracer
//   - OTEL_SERVICE_NAME: service name attached to the trace resource
//
// By default spans are exported to stdout via stdouttrace, since this
// package defines no external telemetry backend; callers that already run
// an OTel collector can pass their own *sdktrace.TracerProvider to NewTracer
// instead.
package telemetry
