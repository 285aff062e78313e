package tracing

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/info-baruzotech/posthog/pkg/tracing/exporters"
)

type Config struct {
	ServiceName string
	// Exporter is none, console or otlp.
	Exporter    string
	SampleRatio float64
	OTLP        exporters.OTLPConfig
}

// Setup installs the global tracer provider and the tracer used by StartSpan. The returned
// function flushes pending spans.
func Setup(ctx context.Context, cfg Config, logger ectologger.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "none":
		return noop, nil
	case "console":
		exporter = exporters.NewLogExporter(logger)
	case "otlp":
		otlp, err := exporters.NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	default:
		return noop, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return noop, fmt.Errorf("failed to build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(provider.Tracer(cfg.ServiceName))

	return provider.Shutdown, nil
}

// ExtractFromHeaders returns ctx carrying the remote span context found in message headers
func ExtractFromHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
