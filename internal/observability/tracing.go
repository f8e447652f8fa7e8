// Package observability wires tracing, request identity, and logging for
// the router control plane.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used for all spans emitted by
// the control plane.
const TracerName = "relaymux"

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	// Enabled turns span export on. When false InitTracing returns a
	// provider backed by a no-op exporter.
	Enabled bool

	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string

	// ServiceName is reported as service.name on every span.
	ServiceName string

	// SampleRate is the head sampling ratio in [0, 1]. Parent decisions
	// still win for child spans.
	SampleRate float64

	// Insecure disables TLS on the exporter connection.
	Insecure bool
}

// DefaultTracingConfig returns a disabled config with sane fields filled
// in so callers can flip Enabled and go.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		Endpoint:    "localhost:4317",
		ServiceName: "relaymux",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the SDK provider and its exporter so the caller
// can flush spans on shutdown.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracing sets up the global tracer provider and propagators. The
// returned TracerProvider must be shut down to flush buffered spans.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relaymux"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}

	if cfg.Enabled {
		exporterOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider}, nil
}

// Tracer returns the named tracer for control plane spans.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.provider.Tracer(TracerName)
}

// Shutdown flushes pending spans and releases the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// LLMSpanAttributes carries the request facts recorded on an upstream
// call span.
type LLMSpanAttributes struct {
	Provider    string
	Model       string
	Stream      bool
	MaxTokens   int
	Temperature float64
}

// StartLLMSpan opens a client span for an upstream model call using the
// gen_ai semantic conventions.
func StartLLMSpan(ctx context.Context, tracer trace.Tracer, operation string, attrs LLMSpanAttributes) (context.Context, trace.Span) {
	spanAttrs := []attribute.KeyValue{
		attribute.String("gen_ai.system", attrs.Provider),
		attribute.String("gen_ai.request.model", attrs.Model),
		attribute.Bool("gen_ai.request.stream", attrs.Stream),
	}
	if attrs.MaxTokens > 0 {
		spanAttrs = append(spanAttrs, attribute.Int("gen_ai.request.max_tokens", attrs.MaxTokens))
	}
	if attrs.Temperature > 0 {
		spanAttrs = append(spanAttrs, attribute.Float64("gen_ai.request.temperature", attrs.Temperature))
	}

	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(spanAttrs...),
	)
}

// RecordLLMResponse attaches token usage and the finish reason to a span
// after a successful upstream call.
func RecordLLMResponse(span trace.Span, inputTokens, outputTokens int, finishReason string) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
	if finishReason != "" {
		span.SetAttributes(attribute.String("gen_ai.response.finish_reason", finishReason))
	}
	span.SetStatus(codes.Ok, "")
}

// RecordError marks the span failed and records the error event.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SpanFromContext returns the active span, or a no-op span when the
// context carries none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
