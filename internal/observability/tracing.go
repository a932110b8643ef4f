package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "livechat"

// Tracer opens client spans around sends and REST calls.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures OTLP trace export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317". Empty
	// disables export.
	Endpoint string

	// SamplingRate is the fraction of traces kept, 0 to 1. Zero means 1.
	SamplingRate float64

	// EnableInsecure disables TLS to the collector.
	EnableInsecure bool
}

// NoopTracer returns a tracer backed by the global provider, which is a no-op
// unless something installed a real one.
func NoopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(defaultServiceName)}
}

// NewTracer installs an OTLP-exporting provider and returns a tracer with the
// function that flushes and stops it. Without an endpoint it returns a no-op
// tracer. On error the returned tracer is still usable.
func NewTracer(ctx context.Context, config TraceConfig) (*Tracer, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	name := config.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, noop, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, noop, fmt.Errorf("create otlp exporter for %s: %w", config.Endpoint, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(ctx, name, config.ServiceVersion)),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}, provider.Shutdown, nil
}

func serviceResource(ctx context.Context, name, version string) *resource.Resource {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

// samplerFor keeps rate of root traces. Children follow their parent.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Start opens a client span. A nil tracer falls back to the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(defaultServiceName)
	if t != nil && t.tracer != nil {
		tracer = t.tracer
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
