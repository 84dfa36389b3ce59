package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartKeySpan starts a span covering one context's processing of a
	// single work item (an event append or a timer fire).
	StartKeySpan(ctx context.Context, key string) (context.Context, trace.Span)

	// StartRuleSpan starts a span for one rule's evaluation, a child of
	// the enclosing key span.
	StartRuleSpan(ctx context.Context, ruleID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses OpenTelemetry, bound to
// the global tracer provider in place at the time of the call.
//
// Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer("laika")}
}

func (m *otelSpanManager) StartKeySpan(ctx context.Context, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "laika.dispatch",
		trace.WithAttributes(attribute.String("key", key)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartRuleSpan(ctx context.Context, ruleID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "laika.rule."+ruleID,
		trace.WithAttributes(attribute.String("rule.id", ruleID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
