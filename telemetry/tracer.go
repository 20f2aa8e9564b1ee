package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentinelops/medic/core"
)

const scopeName = "medic/telemetry"

// backend implements core.Telemetry over the OpenTelemetry SDK. It owns
// the trace provider and the instrument cache; the registry routes every
// emission through it.
type backend struct {
	tracer      trace.Tracer
	instruments *instrumentSet
	traces      *sdktrace.TracerProvider
}

func newBackend(config Config) (*backend, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	exporter, err := spanExporter(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating span exporter: %w", err)
	}

	traces := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(traces)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &backend{
		tracer:      traces.Tracer(scopeName),
		instruments: newInstrumentSet(otel.Meter(scopeName)),
		traces:      traces,
	}, nil
}

// spanExporter selects the span exporter for the endpoint.
func spanExporter(endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" || endpoint == "stdout" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// sampler maps a sampling rate to a trace sampler. Child spans always
// follow the parent's decision.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// StartSpan opens a child span of whatever span rides in ctx.
func (b *backend) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, s := b.tracer.Start(ctx, name)
	return ctx, &span{s: s}
}

// RecordMetric satisfies core.Telemetry; errors are absorbed because
// interface callers have no use for them.
func (b *backend) RecordMetric(name string, value float64, labels map[string]string) {
	_ = b.push(name, value, labels)
}

// push routes a value to the instrument its name implies. Names ending
// in "_ms" or ".duration" become histograms; everything else becomes a
// monotonic counter.
func (b *backend) push(name string, value float64, labels map[string]string) error {
	ctx := context.Background()
	if isDuration(name) {
		return b.instruments.record(ctx, name, value, attributes(labels))
	}
	return b.instruments.add(ctx, name, value, attributes(labels))
}

// observe records a current-value metric as a histogram distribution,
// bypassing the counter routing.
func (b *backend) observe(name string, value float64, labels map[string]string) error {
	return b.instruments.record(context.Background(), name, value, attributes(labels))
}

func (b *backend) Shutdown(ctx context.Context) error {
	return b.traces.Shutdown(ctx)
}

// isDuration reports whether a metric name carries a duration value.
func isDuration(name string) bool {
	return strings.HasSuffix(name, "_ms") || strings.HasSuffix(name, ".duration")
}

func attributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// span adapts an OpenTelemetry span to core.Span.
type span struct {
	s trace.Span
}

func (s *span) End() {
	s.s.End()
}

func (s *span) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.s.SetAttributes(attribute.String(key, v))
	case int:
		s.s.SetAttributes(attribute.Int(key, v))
	case int64:
		s.s.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.s.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.s.SetAttributes(attribute.Bool(key, v))
	default:
		s.s.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *span) RecordError(err error) {
	s.s.RecordError(err)
}
