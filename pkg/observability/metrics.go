package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BrokerMetrics are the broker's business metrics.
type BrokerMetrics struct {
	decisions metric.Int64Counter
	prompts   metric.Int64Counter
	spent     metric.Int64Counter
	duration  metric.Float64Histogram
	failures  metric.Int64Counter
}

// NewBrokerMetrics registers the broker instruments on meter.
func NewBrokerMetrics(meter metric.Meter) (*BrokerMetrics, error) {
	m := &BrokerMetrics{}
	var err error

	m.decisions, err = meter.Int64Counter("weavemask.auth.decisions",
		metric.WithDescription("Terminal authorization results"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	m.prompts, err = meter.Int64Counter("weavemask.consent.prompts",
		metric.WithDescription("Consent surfaces opened"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, err
	}
	m.spent, err = meter.Int64Counter("weavemask.allowance.spent",
		metric.WithDescription("Minor units recorded against allowances"),
		metric.WithUnit("{minor_unit}"),
	)
	if err != nil {
		return nil, err
	}
	m.failures, err = meter.Int64Counter("weavemask.auth.failures",
		metric.WithDescription("Authorizations that ended in an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("weavemask.auth.duration",
		metric.WithDescription("Authorization duration including consent"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDecision counts a terminal result.
func (m *BrokerMetrics) RecordDecision(ctx context.Context, kind string, granted bool, reason string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("granted", granted),
		attribute.String("reason", reason),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPrompt counts an opened consent surface.
func (m *BrokerMetrics) RecordPrompt(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.prompts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSpend counts minor units spent.
func (m *BrokerMetrics) RecordSpend(ctx context.Context, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.spent.Add(ctx, amount)
}

// RecordFailure counts an authorization that returned an error.
func (m *BrokerMetrics) RecordFailure(ctx context.Context, kind, code string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("code", code),
	))
}
