package tracing

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the tracing configuration
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"` // e.g. "localhost:4318"
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
}

// Provider wraps the OpenTelemetry trace provider
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// InitTracer initializes OpenTelemetry tracing. When disabled the provider
// records nothing and exports nothing.
func InitTracer(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bootguard"
	}
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
	}

	log.Printf("Initializing OpenTelemetry tracing (service: %s, endpoint: %s)",
		cfg.ServiceName, cfg.OTLPEndpoint)

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &Provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// NewProvider wraps an existing SDK provider, typically one built around a
// test span recorder.
func NewProvider(tp *sdktrace.TracerProvider, name string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(name)}
}

// Tracer returns the provider's tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartSpan starts a span with attributes
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
