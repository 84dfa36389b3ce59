package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(original)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("error shutting down meter provider: %v", err)
		}
	}
	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewOtelMetricsCreatesEveryInstrument(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.NotNil(t, m.ingested)
	assert.NotNil(t, m.matchMisses)
	assert.NotNil(t, m.badKeys)
	assert.NotNil(t, m.rulesFired)
	assert.NotNil(t, m.ruleLatency)
	assert.NotNil(t, m.scriptRuns)
	assert.NotNil(t, m.scriptErrors)
	assert.NotNil(t, m.scriptLatency)
	assert.NotNil(t, m.deliveries)
	assert.NotNil(t, m.deliveryErrors)
	assert.NotNil(t, m.deadLetters)
	assert.NotNil(t, m.commits)
	assert.NotNil(t, m.commitLatency)
}

func TestRecordIngestCountsMatchMissOnlyWhenZero(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordIngest(ctx, "web", 2)
	m.RecordIngest(ctx, "web", 0)

	rm := collectMetrics(t, reader)

	ingested := findMetric(rm, "laika.ingest.records")
	require.NotNil(t, ingested)
	sum, ok := ingested.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	misses := findMetric(rm, "laika.ingest.match_misses")
	require.NotNil(t, misses)
	missSum, ok := misses.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, missSum.DataPoints)
	assert.Equal(t, int64(1), missSum.DataPoints[0].Value)
}

func TestRecordBadKeyCountsPerEventType(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordBadKey(ctx, "login")
	m.RecordBadKey(ctx, "login")

	rm := collectMetrics(t, reader)

	badKeys := findMetric(rm, "laika.ingest.bad_keys")
	require.NotNil(t, badKeys)
	sum, ok := badKeys.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestRecordRuleFiredRecordsCountAndLatency(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordRuleFired(ctx, "r1", 42*time.Millisecond)

	rm := collectMetrics(t, reader)

	fired := findMetric(rm, "laika.rule.fired")
	require.NotNil(t, fired)
	sum, ok := fired.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, sum.DataPoints)

	latency := findMetric(rm, "laika.rule.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.NotEmpty(t, hist.DataPoints)
}

func TestRecordScriptRunCountsErrorsSeparately(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordScriptRun(ctx, "r1", time.Millisecond, nil)
	m.RecordScriptRun(ctx, "r1", time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)

	runs := findMetric(rm, "laika.script.runs")
	require.NotNil(t, runs)
	runsSum, ok := runs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, runsSum.DataPoints)
	assert.Equal(t, int64(2), runsSum.DataPoints[0].Value)

	scriptErrs := findMetric(rm, "laika.script.errors")
	require.NotNil(t, scriptErrs)
	errSum, ok := scriptErrs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.NotEmpty(t, errSum.DataPoints)
	assert.Equal(t, int64(1), errSum.DataPoints[0].Value)
}

func TestRecordDeliveryAndDeadLetter(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordDelivery(ctx, "alerts", 1, nil)
	m.RecordDelivery(ctx, "alerts", 2, errors.New("timeout"))
	m.RecordDeadLetter(ctx, "alerts")

	rm := collectMetrics(t, reader)

	assert.NotNil(t, findMetric(rm, "laika.target.deliveries"))
	assert.NotNil(t, findMetric(rm, "laika.target.errors"))
	assert.NotNil(t, findMetric(rm, "laika.target.dead_letters"))
}

func TestRecordStoreCommitRecordsSuccessAttribute(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordStoreCommit(ctx, time.Millisecond, nil)
	m.RecordStoreCommit(ctx, time.Millisecond, errors.New("conflict"))

	rm := collectMetrics(t, reader)

	commits := findMetric(rm, "laika.store.commits")
	require.NotNil(t, commits)
	sum, ok := commits.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	latency := findMetric(rm, "laika.store.commit_latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.NotEmpty(t, hist.DataPoints)
}

func TestNewMetricsRecorderReturnsRealRecorderWithProvider(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "expected a real metrics recorder, got NoopMetrics")
}
