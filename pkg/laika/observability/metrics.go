package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records dispatcher metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordIngest records one ingested record and how many event types
	// it matched (zero means a match miss).
	RecordIngest(ctx context.Context, source string, matched int)

	// RecordBadKey records an event dropped because its correlation key
	// expression resolved to a missing, null, or non-scalar value.
	RecordBadKey(ctx context.Context, eventType string)

	// RecordRuleFired records a rule firing and the time from the trigger
	// timestamp to the moment its payload was rendered, before commit and
	// delivery.
	RecordRuleFired(ctx context.Context, ruleID string, duration time.Duration)

	// RecordScriptRun records a filter_extract invocation's duration and
	// error status.
	RecordScriptRun(ctx context.Context, ruleID string, duration time.Duration, err error)

	// RecordDelivery records a target delivery attempt.
	RecordDelivery(ctx context.Context, targetID string, attempt int, err error)

	// RecordDeadLetter records a delivery that was parked after
	// exhausting retries.
	RecordDeadLetter(ctx context.Context, targetID string)

	// RecordStoreCommit records a Context Store commit's duration and
	// error status.
	RecordStoreCommit(ctx context.Context, duration time.Duration, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	ingested       metric.Int64Counter
	matchMisses    metric.Int64Counter
	badKeys        metric.Int64Counter
	rulesFired     metric.Int64Counter
	ruleLatency    metric.Float64Histogram
	scriptRuns     metric.Int64Counter
	scriptErrors   metric.Int64Counter
	scriptLatency  metric.Float64Histogram
	deliveries     metric.Int64Counter
	deliveryErrors metric.Int64Counter
	deadLetters    metric.Int64Counter
	commits        metric.Int64Counter
	commitLatency  metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("laika")

	ingested, err := meter.Int64Counter("laika.ingest.records",
		metric.WithDescription("Number of ingested records"))
	if err != nil {
		return nil, err
	}
	matchMisses, err := meter.Int64Counter("laika.ingest.match_misses",
		metric.WithDescription("Number of records matching no event type"))
	if err != nil {
		return nil, err
	}
	badKeys, err := meter.Int64Counter("laika.ingest.bad_keys",
		metric.WithDescription("Number of events dropped for an unresolvable correlation key"))
	if err != nil {
		return nil, err
	}
	rulesFired, err := meter.Int64Counter("laika.rule.fired",
		metric.WithDescription("Number of rule firings"))
	if err != nil {
		return nil, err
	}
	ruleLatency, err := meter.Float64Histogram("laika.rule.latency_ms",
		metric.WithDescription("Trigger-to-render latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	scriptRuns, err := meter.Int64Counter("laika.script.runs",
		metric.WithDescription("Number of filter_extract invocations"))
	if err != nil {
		return nil, err
	}
	scriptErrors, err := meter.Int64Counter("laika.script.errors",
		metric.WithDescription("Number of filter_extract failures"))
	if err != nil {
		return nil, err
	}
	scriptLatency, err := meter.Float64Histogram("laika.script.latency_ms",
		metric.WithDescription("filter_extract invocation latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter("laika.target.deliveries",
		metric.WithDescription("Number of target delivery attempts"))
	if err != nil {
		return nil, err
	}
	deliveryErrors, err := meter.Int64Counter("laika.target.errors",
		metric.WithDescription("Number of failed target delivery attempts"))
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("laika.target.dead_letters",
		metric.WithDescription("Number of deliveries parked after exhausting retries"))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("laika.store.commits",
		metric.WithDescription("Number of Context Store commits"))
	if err != nil {
		return nil, err
	}
	commitLatency, err := meter.Float64Histogram("laika.store.commit_latency_ms",
		metric.WithDescription("Context Store commit latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		ingested:       ingested,
		matchMisses:    matchMisses,
		badKeys:        badKeys,
		rulesFired:     rulesFired,
		ruleLatency:    ruleLatency,
		scriptRuns:     scriptRuns,
		scriptErrors:   scriptErrors,
		scriptLatency:  scriptLatency,
		deliveries:     deliveries,
		deliveryErrors: deliveryErrors,
		deadLetters:    deadLetters,
		commits:        commits,
		commitLatency:  commitLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder using the global OTel meter
// provider. Configure the provider with otel.SetMeterProvider before
// calling this. Falls back to a no-op recorder if initialization fails.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordIngest(ctx context.Context, source string, matched int) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.ingested.Add(ctx, 1, attrs)
	if matched == 0 {
		m.matchMisses.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordBadKey(ctx context.Context, eventType string) {
	m.badKeys.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *otelMetrics) RecordRuleFired(ctx context.Context, ruleID string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("rule_id", ruleID))
	m.rulesFired.Add(ctx, 1, attrs)
	m.ruleLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordScriptRun(ctx context.Context, ruleID string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("rule_id", ruleID))
	m.scriptRuns.Add(ctx, 1, attrs)
	m.scriptLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.scriptErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, targetID string, attempt int, err error) {
	attrs := metric.WithAttributes(attribute.String("target_id", targetID), attribute.Int("attempt", attempt))
	m.deliveries.Add(ctx, 1, attrs)
	if err != nil {
		m.deliveryErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, targetID string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("target_id", targetID)))
}

func (m *otelMetrics) RecordStoreCommit(ctx context.Context, duration time.Duration, err error) {
	m.commits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
	m.commitLatency.Record(ctx, float64(duration.Milliseconds()))
}
