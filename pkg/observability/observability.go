// Package observability provides the monitor's OpenTelemetry tracing and
// metrics: sample/finding/violation/action counters plus ledger pressure
// gauges, exported over OTLP gRPC. Disabled by default; every recording call
// is a no-op until an endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "regmon",
		ServiceVersion: "0.4.0",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages trace and metric providers and the monitor's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	samplesIngested metric.Int64Counter
	samplesDropped  metric.Int64Counter
	findings        metric.Int64Counter
	violations      metric.Int64Counter
	actions         metric.Int64Counter
	ledgerDropped   metric.Int64Counter
	openViolations  metric.Int64UpDownCounter
}

// New creates an observability provider. With Enabled false the provider is
// inert and safe to use everywhere.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("regmon",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("regmon",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"insecure", config.Insecure)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.samplesIngested, err = p.meter.Int64Counter("regmon.samples.ingested",
		metric.WithDescription("Telemetry samples accepted by intake"),
		metric.WithUnit("{sample}"))
	if err != nil {
		return err
	}
	p.samplesDropped, err = p.meter.Int64Counter("regmon.samples.dropped",
		metric.WithDescription("Samples dropped: malformed or over rate"),
		metric.WithUnit("{sample}"))
	if err != nil {
		return err
	}
	p.findings, err = p.meter.Int64Counter("regmon.findings.total",
		metric.WithDescription("Rule findings produced by evaluation"),
		metric.WithUnit("{finding}"))
	if err != nil {
		return err
	}
	p.violations, err = p.meter.Int64Counter("regmon.violations.total",
		metric.WithDescription("Violation transitions by severity"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	p.actions, err = p.meter.Int64Counter("regmon.actions.total",
		metric.WithDescription("Enforcement actions by status"),
		metric.WithUnit("{action}"))
	if err != nil {
		return err
	}
	p.ledgerDropped, err = p.meter.Int64Counter("regmon.ledger.dropped",
		metric.WithDescription("Ledger appends refused by queue backpressure"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return err
	}
	p.openViolations, err = p.meter.Int64UpDownCounter("regmon.violations.open",
		metric.WithDescription("Currently open violation events"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("regmon")
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordSample counts one accepted sample for a module.
func (p *Provider) RecordSample(ctx context.Context, module string) {
	if p.samplesIngested != nil {
		p.samplesIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("module", module)))
	}
}

// RecordDroppedSample counts one rejected sample with the rejection reason.
func (p *Provider) RecordDroppedSample(ctx context.Context, module, reason string) {
	if p.samplesDropped != nil {
		p.samplesDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("module", module),
			attribute.String("reason", reason)))
	}
}

// RecordFindings counts findings from one evaluation pass.
func (p *Provider) RecordFindings(ctx context.Context, module string, n int) {
	if p.findings != nil && n > 0 {
		p.findings.Add(ctx, int64(n), metric.WithAttributes(attribute.String("module", module)))
	}
}

// RecordViolation counts one violation transition by severity and kind.
func (p *Provider) RecordViolation(ctx context.Context, severity, kind string) {
	if p.violations != nil {
		p.violations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("severity", severity),
			attribute.String("transition", kind)))
	}
}

// RecordAction counts one enforcement action by status.
func (p *Provider) RecordAction(ctx context.Context, status string, escalated bool) {
	if p.actions != nil {
		p.actions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
			attribute.Bool("escalated", escalated)))
	}
}

// RecordLedgerDrop counts one append refused by backpressure.
func (p *Provider) RecordLedgerDrop(ctx context.Context) {
	if p.ledgerDropped != nil {
		p.ledgerDropped.Add(ctx, 1)
	}
}

// AddOpenViolations moves the open-violation gauge.
func (p *Provider) AddOpenViolations(ctx context.Context, delta int64) {
	if p.openViolations != nil {
		p.openViolations.Add(ctx, delta)
	}
}
