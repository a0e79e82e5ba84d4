// Package observability bootstraps distributed tracing for the bridge
// daemon. Metrics live with the packages that produce them; this package only
// owns the OpenTelemetry provider lifecycle.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ExporterType selects how spans leave the process.
type ExporterType string

const (
	// ExporterOTLPHTTP exports over OTLP/HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
	// ExporterOTLPGRPC exports over OTLP/gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
)

// TracingConfig configures the tracer provider.
type TracingConfig struct {
	// Enabled turns tracing on. Disabled tracing costs nothing at runtime.
	Enabled bool

	// ServiceName identifies this process in trace backends.
	ServiceName string

	// ServiceVersion is attached to the service resource.
	ServiceVersion string

	// Exporter selects the export protocol.
	Exporter ExporterType

	// Endpoint is the collector address, host:port.
	Endpoint string

	// Insecure disables TLS toward the collector.
	Insecure bool

	// SampleRatio is the head sampling ratio in [0,1]. Parent decisions are
	// respected.
	SampleRatio float64
}

// DefaultTracingConfig returns a disabled config with sane fields for when it
// is switched on.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:    "mcp-bridge",
		ServiceVersion: "1.0.0",
		Exporter:       ExporterOTLPHTTP,
		Endpoint:       "localhost:4318",
		SampleRatio:    1.0,
	}
}

// Tracing holds the provider so it can be flushed at shutdown.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Init builds and installs the global tracer provider. With tracing disabled
// it returns a Tracing whose Tracer falls back to the global (noop) provider.
func Init(ctx context.Context, cfg TracingConfig) (*Tracing, error) {
	if !cfg.Enabled {
		return &Tracing{}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)
	return &Tracing{provider: provider}, nil
}

// Tracer returns a named tracer from the installed provider.
func (t *Tracing) Tracer(name string) trace.Tracer {
	if t == nil || t.provider == nil {
		return otel.Tracer(name)
	}
	return t.provider.Tracer(name)
}

// Shutdown flushes and stops the provider.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func newExporter(ctx context.Context, cfg TracingConfig) (*otlptrace.Exporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-grpc exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLPHTTP, "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp-http exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}
