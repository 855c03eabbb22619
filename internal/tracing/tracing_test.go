package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetErrorRecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "step", attribute.String(StepIDKey, "s1"))
	SetError(span, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), attribute.String(StepIDKey, "s1"))
}

func TestNoopTracer(t *testing.T) {
	_, span := StartSpan(context.Background(), Noop(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
