// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/dragonfly-scan/dragonfly"
)

// Bootstrap sets the global tracer provider. With an empty endpoint the
// global no-op provider is left in place.
//
// The returned function flushes and stops the exporter; it's always non-nil.
func Bootstrap(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		slog.DebugContext(ctx, "tracing is disabled")
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName("dragonfly"),
		semconv.ServiceVersion(dragonfly.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.InfoContext(ctx, "tracing is enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}
