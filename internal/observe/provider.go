package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry holds the SDK providers installed by [Setup] and the instruments
// created from them.
type Telemetry struct {
	Metrics *Metrics

	mp *sdkmetric.MeterProvider
	tp *sdktrace.TracerProvider
}

type setupConfig struct {
	version    string
	exporter   sdktrace.SpanExporter
	registerer prometheus.Registerer
	global     bool
}

// SetupOption configures [Setup].
type SetupOption func(*setupConfig)

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) SetupOption {
	return func(c *setupConfig) { c.version = v }
}

// WithSpanExporter batches finished spans to exp. Without it spans are
// recorded for log correlation but never exported.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(c *setupConfig) { c.exporter = exp }
}

// WithRegisterer registers the Prometheus collector with reg instead of
// [prometheus.DefaultRegisterer].
func WithRegisterer(reg prometheus.Registerer) SetupOption {
	return func(c *setupConfig) { c.registerer = reg }
}

// WithoutGlobal leaves the global OTel providers untouched.
func WithoutGlobal() SetupOption {
	return func(c *setupConfig) { c.global = false }
}

// Setup builds the meter and tracer providers for service. Metrics are
// exposed through a Prometheus collector so the admin /metrics endpoint can
// serve them. By default both providers become the global OTel providers.
func Setup(ctx context.Context, service string, opts ...SetupOption) (*Telemetry, error) {
	cfg := setupConfig{registerer: prometheus.DefaultRegisterer, global: true}
	for _, o := range opts {
		o(&cfg)
	}

	attrs := []resource.Option{resource.WithFromEnv(), resource.WithAttributes(semconv.ServiceName(service))}
	if cfg.version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New(promexporter.WithRegisterer(cfg.registerer))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	m, err := NewMetrics(mp)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("observe: create instruments: %w", err), mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	if cfg.global {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	}
	return &Telemetry{Metrics: m, mp: mp, tp: tp}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
