// Package tracing wires an OTLP HTTP exporter the way the rest of this
// corpus does: resource attributes, a ratio-based sampler, one provider per
// process. The engine starts one span per cycle, one per job pipeline
// stage (plan/execute/schedule), one per AI call, and one per endpoint
// call, all children of the cycle span via context propagation.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracing setup.
type Config struct {
	ServiceName  string
	Environment  string
	Endpoint     string // OTLP endpoint, e.g. "localhost:4318"
	Enabled      bool
	SamplingRate float64 // 0.0 to 1.0
}

// DefaultConfig returns sensible defaults for the named service.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:  serviceName,
		Environment:  "development",
		Endpoint:     "localhost:4318",
		Enabled:      false,
		SamplingRate: 1.0,
	}
}

// Provider wraps the OpenTelemetry trace provider for the engine process.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init sets up the OTLP exporter and registers the global tracer provider.
// With cfg.Enabled false it returns a no-op tracer so every call site can
// unconditionally start spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// Shutdown flushes and stops the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span as a child of whatever span ctx carries.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// tracerName is the instrumentation name shared by every call site that
// starts a span via the package-level StartSpan, rather than through a
// Provider value threaded from main. Init registers the real provider
// globally via otel.SetTracerProvider, so otel.Tracer(tracerName) resolves
// to it from anywhere in the module; with tracing disabled it resolves to
// the otel default no-op provider instead, so call sites never need to
// branch on whether tracing is enabled.
const tracerName = "skedge"

// StartSpan starts a new span as a child of whatever span ctx carries,
// using the globally registered tracer provider. Pipeline stages (cycle,
// job stage, AI call, endpoint call) use this instead of threading a
// *Provider through every constructor.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SetError records err on the span carried by ctx, if any.
func SetError(ctx context.Context, err error) {
	trace.SpanFromContext(ctx).RecordError(err)
}

// SetAttributes adds attributes to the span carried by ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
