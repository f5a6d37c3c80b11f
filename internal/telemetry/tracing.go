// Package telemetry configures OpenTelemetry tracing for the kernel.
//
// Custom span attributes use the `jobmesh.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "jobmesh.io/kernel"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider is
// used). Returns a shutdown function that must be called on application
// exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("jobmesh-kernel"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartDispatchSpan creates the parent span for one dispatch of a job.
func StartDispatchSpan(ctx context.Context, jobID, kind, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kernel.dispatch",
		trace.WithAttributes(
			attribute.String("jobmesh.job_id", jobID),
			attribute.String("jobmesh.kind", kind),
			attribute.String("jobmesh.source", source),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartChainTickSpan creates a span for one chain tick.
func StartChainTickSpan(ctx context.Context, chainID string, depth int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chain.tick",
		trace.WithAttributes(
			attribute.String("jobmesh.chain_id", chainID),
			attribute.Int("jobmesh.depth", depth),
		),
	)
}

// EndResultSpan enriches a dispatch span with the reaped result.
func EndResultSpan(span trace.Span, ok bool, workerID string, durationMS int64) {
	span.SetAttributes(
		attribute.Bool("jobmesh.ok", ok),
		attribute.String("jobmesh.worker_id", workerID),
		attribute.Int64("jobmesh.duration_ms", durationMS),
	)
	span.End()
}

// StartSettleSpan creates a span for a ledger settlement.
func StartSettleSpan(ctx context.Context, jobID, payer, worker string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ledger.settle",
		trace.WithAttributes(
			attribute.String("jobmesh.job_id", jobID),
			attribute.String("jobmesh.payer", payer),
			attribute.String("jobmesh.worker_id", worker),
		),
	)
}
