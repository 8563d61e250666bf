package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agent-toollease"

// Tracer wraps OpenTelemetry tracing for the rental service.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("toollease.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for tracing.
var (
	AttrSessionID  = attribute.Key("toollease.session.id")
	AttrExecID     = attribute.Key("toollease.execution.id")
	AttrToolID     = attribute.Key("toollease.tool.id")
	AttrExitCode   = attribute.Key("toollease.exit_code")
	AttrDurationMS = attribute.Key("toollease.duration_ms")
	AttrCostCents  = attribute.Key("toollease.cost_cents")
)
