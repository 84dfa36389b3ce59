package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordIngest(_ context.Context, _ string, _ int)                    {}
func (NoopMetrics) RecordBadKey(_ context.Context, _ string)                           {}
func (NoopMetrics) RecordRuleFired(_ context.Context, _ string, _ time.Duration)        {}
func (NoopMetrics) RecordScriptRun(_ context.Context, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordDelivery(_ context.Context, _ string, _ int, _ error)          {}
func (NoopMetrics) RecordDeadLetter(_ context.Context, _ string)                       {}
func (NoopMetrics) RecordStoreCommit(_ context.Context, _ time.Duration, _ error)       {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartKeySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartKeySpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartRuleSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartRuleSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
