// Package otel configures OpenTelemetry tracing for cacheline commands.
package otel

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/cacheline/internal/platform/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace exporter.
type Config struct {
	Endpoint string `env:"CACHELINE_OTEL_ENDPOINT"`
	// Enabled set to "false" turns tracing off even with an endpoint.
	Enabled     string  `env:"CACHELINE_OTEL_ENABLED"`
	SampleRatio float64 `env:"CACHELINE_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Active reports whether spans should be exported.
func (c Config) Active() bool {
	return strings.TrimSpace(c.Endpoint) != "" && !strings.EqualFold(strings.TrimSpace(c.Enabled), "false")
}

// Setup reads Config from the environment and calls SetupWithConfig.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return noop, err
	}
	return SetupWithConfig(ctx, serviceName, cfg)
}

// SetupWithConfig registers a global tracer provider exporting to the OTLP
// HTTP endpoint. When tracing is not active it registers nothing and returns
// a no-op shutdown. The returned shutdown flushes pending spans.
func SetupWithConfig(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	if !cfg.Active() {
		return noop, nil
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return noop, fmt.Errorf("otel sample ratio must be within [0, 1], got %v", cfg.SampleRatio)
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(strings.TrimSpace(cfg.Endpoint)))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

func noop(context.Context) error { return nil }
