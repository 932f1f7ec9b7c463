// Package traces provides OpenTelemetry distributed tracing for the Sentinel engine.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/sentinel"

// Config selects the exporter and sampling.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string
	// ServiceVersion is reported as service.version.
	ServiceVersion string
	// SampleRatio is the fraction of root spans kept, in [0, 1]. Child spans
	// follow their parent's decision.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown
// function. With no endpoint a no-op provider stays in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("sentinel"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler keeps ratio of new traces and honors the parent's decision
// otherwise. Ratios outside [0, 1] are clamped.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartStoreSpan starts a client span for one call to a durable dependency.
func StartStoreSpan(ctx context.Context, dep string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "store."+dep,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(Dependency(dep)),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute helpers for consistent span decoration.

func Identity(identity string) attribute.KeyValue {
	return attribute.String("sentinel.identity", identity)
}

func Operation(op string) attribute.KeyValue {
	return attribute.String("sentinel.operation", op)
}

func Outcome(outcome string) attribute.KeyValue {
	return attribute.String("sentinel.outcome", outcome)
}

func BlockedCount(n int) attribute.KeyValue {
	return attribute.Int("sentinel.blocked_count", n)
}

func Dependency(dep string) attribute.KeyValue {
	return attribute.String("sentinel.dependency", dep)
}

func Trigger(reason string) attribute.KeyValue {
	return attribute.String("sentinel.trigger", reason)
}
