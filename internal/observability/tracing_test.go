package observability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil || tracer.tracer == nil {
		t.Fatal("NewTracer() should return a usable no-op tracer")
	}
	if tracer.provider != nil {
		t.Error("no endpoint should not install a provider")
	}
}

func TestTracerStartAndEnd(t *testing.T) {
	tracer, recorder := recordingTracer(t)

	_, span := tracer.Start(context.Background(), "message.send", attribute.String("conversation.id", "c1"))
	End(span, nil)

	_, failed := tracer.Start(context.Background(), "rest.fetch_messages")
	End(failed, errors.New("503 unavailable"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "message.send" || spans[0].SpanKind() != trace.SpanKindClient {
		t.Errorf("span = %s kind %v", spans[0].Name(), spans[0].SpanKind())
	}
	if attrs := spans[0].Attributes(); len(attrs) != 1 || attrs[0].Value.AsString() != "c1" {
		t.Errorf("attributes = %v", attrs)
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful span should not carry an error status")
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "503 unavailable" {
		t.Errorf("status = %+v", spans[1].Status())
	}
	if len(spans[1].Events()) == 0 {
		t.Error("error should be recorded as a span event")
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		got := samplerFor(tt.rate).Description()
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("samplerFor(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "noop")
	if ctx == nil || span == nil {
		t.Fatal("nil tracer should still return a span")
	}
	End(span, nil)
}
