package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, "weavemask", s.Service)
	require.Equal(t, "localhost:4317", s.Endpoint)
	require.Equal(t, 1.0, s.SampleRate)
	require.False(t, s.Enabled)
}

func TestStartDisabled(t *testing.T) {
	tel, err := Start(context.Background(), DefaultSettings())
	require.NoError(t, err)
	require.NotNil(t, tel.Broker())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry
	assert.Nil(t, tel.Broker())
	ctx, finish := tel.Track(context.Background(), "broker.authorize", "https://a.example")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTrackRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tel, err := Start(context.Background(), DefaultSettings(), WithTracerProvider(tp))
	require.NoError(t, err)

	_, finish := tel.Track(context.Background(), "broker.authorize", "https://a.example",
		attribute.String("kind", "connect"))
	finish(nil)
	_, finish = tel.Track(context.Background(), "broker.authorize_spend", "https://b.example")
	finish(errors.New("storage corrupt"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "broker.authorize", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("weavemask.origin", "https://a.example"))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestBrokerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	tel, err := Start(context.Background(), DefaultSettings(), WithMeterProvider(mp))
	require.NoError(t, err)
	m := tel.Broker()

	ctx := context.Background()
	m.RecordDecision(ctx, "connect", true, "granted", 10*time.Millisecond)
	m.RecordDecision(ctx, "spend_limit", false, "user_cancelled", time.Second)
	m.RecordPrompt(ctx, "connect")
	m.RecordSpend(ctx, 110)
	m.RecordSpend(ctx, 0)
	m.RecordFailure(ctx, "connect", "invalid_permission")

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["weavemask.auth.decisions"]))
	assert.Equal(t, int64(1), sumOf(t, got["weavemask.consent.prompts"]))
	assert.Equal(t, int64(110), sumOf(t, got["weavemask.allowance.spent"]))
	assert.Equal(t, int64(1), sumOf(t, got["weavemask.auth.failures"]))

	hist, ok := got["weavemask.auth.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestBrokerMetrics_NilIsNoop(t *testing.T) {
	var m *BrokerMetrics
	m.RecordDecision(context.Background(), "connect", true, "granted", 0)
	m.RecordPrompt(context.Background(), "connect")
	m.RecordSpend(context.Background(), 1)
	m.RecordFailure(context.Background(), "connect", "internal")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)
	l.Debug("hello", "origin", "https://a.example")
	assert.Contains(t, buf.String(), `"origin":"https://a.example"`)

	buf.Reset()
	l, err = NewLogger(&buf, "warn", "text")
	require.NoError(t, err)
	l.Info("quiet")
	assert.Empty(t, buf.String())

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
