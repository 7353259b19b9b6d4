package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const InstrumentationName = "github.com/finch-technologies/queue-drain"

type Options struct {
	// OTLP/HTTP collector url, e.g. http://localhost:4318
	Endpoint    string
	ServiceName string
	SiteId      string
}

type ShutdownFunc func(ctx context.Context) error

// Init installs a global tracer provider exporting over OTLP/HTTP. Without an
// endpoint the global no-op provider is left in place.
func Init(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := NewProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(newResource(opts)))
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// NewProvider builds an sdk provider with the given options.
func NewProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

func newResource(opts Options) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", opts.ServiceName),
	}
	if opts.SiteId != "" {
		attrs = append(attrs, attribute.String("queue_drain.site_id", opts.SiteId))
	}
	return resource.NewSchemaless(attrs...)
}

// Tracer returns the tracer used by the drain stages from the given provider,
// or from the global provider when nil.
func Tracer(provider trace.TracerProvider) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return provider.Tracer(InstrumentationName)
}
