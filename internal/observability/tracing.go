package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ad-rule-engine"

// Tracer returns the process tracer. It follows whatever provider is
// installed globally, so it may be taken before SetupTracing runs.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// TracingConfig selects where spans are exported. An empty Endpoint
// disables export.
type TracingConfig struct {
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

// NewTracerProvider builds a batching provider around exp.
func NewTracerProvider(ctx context.Context, conf TracingConfig, exp sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	name := conf.ServiceName
	if name == "" {
		name = tracerName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if conf.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(conf.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	ratio := conf.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	), nil
}

// SetupTracing installs an OTLP/HTTP tracer provider as the global one and
// returns its shutdown, which flushes buffered spans.
func SetupTracing(ctx context.Context, conf TracingConfig) (func(context.Context) error, error) {
	if conf.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(conf.Endpoint)}
	if conf.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp, err := NewTracerProvider(ctx, conf, exp)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
