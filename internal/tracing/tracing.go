// Package tracing wires OpenTelemetry spans around workflow and step runs.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys.
const (
	WorkflowIDKey   = "marketclaw.workflow.id"
	WorkflowNameKey = "marketclaw.workflow.name"
	ExecutionIDKey  = "marketclaw.execution.id"
	StepIDKey       = "marketclaw.step.id"
	AgentIDKey      = "marketclaw.agent.id"
	ActionKey       = "marketclaw.action"
	AttemptKey      = "marketclaw.attempt"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Setup installs an OTLP/HTTP tracer provider as the global provider. The
// exporter endpoint comes from the standard OTEL_EXPORTER_OTLP_* variables.
// nolint:ireturn
func Setup(ctx context.Context, serviceName string) (trace.Tracer, ShutdownFunc, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp.Tracer(serviceName), tp.Shutdown, nil
}

// Noop returns a tracer that records nothing.
// nolint:ireturn
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer("marketclaw")
}

// StartSpan starts a span with the given attributes.
// nolint:ireturn,spancheck
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetError marks the span as failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
