// Package observability wires OpenTelemetry tracing and the broker's
// decision metrics, plus the process logger.
//
// A Telemetry that was never enabled still hands out working tracers and
// instruments backed by the global providers, so the broker records
// unconditionally.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "weavemask.broker"

// Settings says where broker telemetry goes.
type Settings struct {
	Service  string
	Version  string
	Endpoint string // OTLP gRPC collector, host:port
	// SampleRate is the fraction of authorizations traced, 0 to 1.
	SampleRate float64
	// Interval between metric exports; 0 means 15s.
	Interval time.Duration
	Enabled  bool
	Insecure bool
}

// DefaultSettings is telemetry switched off, pointed at a local collector.
func DefaultSettings() Settings {
	return Settings{
		Service:    "weavemask",
		Version:    "dev",
		Endpoint:   "localhost:4317",
		SampleRate: 1,
		Insecure:   true,
	}
}

// Telemetry holds the tracer and the broker instruments.
type Telemetry struct {
	tracer  trace.Tracer
	broker  *BrokerMetrics
	closers []func(context.Context) error
	logger  *slog.Logger
}

// Option adjusts Start.
type Option func(*options)

type options struct {
	meters metric.MeterProvider
	traces trace.TracerProvider
	logger *slog.Logger
}

// WithMeterProvider records broker metrics on mp instead of an OTLP
// exporter, e.g. an SDK provider with a manual reader in tests.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meters = mp }
}

// WithTracerProvider traces on tp instead of an OTLP exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.traces = tp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Start builds broker telemetry. Disabled settings use whatever providers
// are installed globally; enabled settings export over OTLP gRPC and become
// the global providers. Explicit providers from options win over both.
func Start(ctx context.Context, s Settings, opts ...Option) (*Telemetry, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Telemetry{logger: o.logger.With("component", "observability")}

	if s.Enabled && (o.meters == nil || o.traces == nil) {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(s.Service),
			semconv.ServiceVersion(s.Version),
		))
		if err != nil {
			return nil, fmt.Errorf("telemetry resource: %w", err)
		}
		if o.traces == nil {
			tp, err := exportTraces(ctx, s, res)
			if err != nil {
				return nil, err
			}
			t.closers = append(t.closers, tp.Shutdown)
			o.traces = tp
		}
		if o.meters == nil {
			mp, err := exportMetrics(ctx, s, res)
			if err != nil {
				_ = t.Shutdown(ctx)
				return nil, err
			}
			t.closers = append(t.closers, mp.Shutdown)
			o.meters = mp
		}
		t.logger.InfoContext(ctx, "exporting broker telemetry", "endpoint", s.Endpoint, "sample_rate", s.SampleRate)
	}
	if o.traces == nil {
		o.traces = otel.GetTracerProvider()
	}
	if o.meters == nil {
		o.meters = otel.GetMeterProvider()
	}

	t.tracer = o.traces.Tracer(scope, trace.WithInstrumentationVersion(s.Version))
	bm, err := NewBrokerMetrics(o.meters.Meter(scope, metric.WithInstrumentationVersion(s.Version)))
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("broker instruments: %w", err)
	}
	t.broker = bm
	return t, nil
}

func exportTraces(ctx context.Context, s Settings, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	// Consent prompts inherit the sampling decision of the authorization
	// that opened them.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

func exportMetrics(ctx context.Context, s Settings, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// Broker returns the decision instruments.
func (t *Telemetry) Broker() *BrokerMetrics {
	if t == nil {
		return nil
	}
	return t.broker
}

// Shutdown flushes whatever Start exported to.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i](ctx))
	}
	t.closers = nil
	if err := errors.Join(errs...); err != nil {
		t.logger.ErrorContext(ctx, "telemetry shutdown", "error", err)
		return err
	}
	return nil
}

// Track starts a span for a broker operation on origin. The returned
// function ends it, marking the span failed when err is non-nil.
func (t *Telemetry) Track(ctx context.Context, op, origin string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}
	attrs = append(attrs, attribute.String("weavemask.origin", origin))
	ctx, span := t.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
