// Package telemetry sets up OpenTelemetry tracing for the runtime.
//
// Unlike an HTTP service, the core here has no per-request trace to anchor
// spans on at the edge — the interesting spans are internal: an
// orchestrator command dispatch, an Asset Authority download. Init wires a
// tracer for internal/orchestrator and internal/assets to use; it is a
// no-op tracer provider when no OTLP endpoint is configured.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init sets up the global OpenTelemetry tracer provider with an OTLP gRPC
// exporter pointed at endpoint. Packages that want spans call
// otel.Tracer("github.com/tmzt/genius/internal/...") and get this provider
// automatically, the same way the teacher's packages pick up its global
// provider. When endpoint is empty, tracing is disabled and the default
// no-op provider is left in place. Returns a shutdown function to call on
// graceful exit.
func Init(endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		log.Debug().Msg("tracing disabled (GENIUS_OTEL_ENDPOINT unset)")
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "genius"),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().Str("endpoint", endpoint).Msg("OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}
