package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OTLP trace pipeline of the kernel.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port of the collector. Falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string
	Insecure bool

	// Debug records dispatch params on spans.
	Debug bool

	// Headers are sent with every export, typically collector auth.
	Headers map[string]string

	// SampleRatio in (0, 1] samples a fraction of root dispatches.
	// Zero samples everything.
	SampleRatio float64

	// Mode is recorded as the kernel.mode resource attribute.
	Mode string

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

func (c ProviderConfig) endpoint() (string, error) {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if ep == "" {
		return "", fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	ep = strings.TrimPrefix(ep, "http://")
	return strings.TrimPrefix(ep, "https://"), nil
}

func (c ProviderConfig) serviceName() string {
	switch {
	case c.ServiceName != "":
		return c.ServiceName
	case os.Getenv("OTEL_SERVICE_NAME") != "":
		return os.Getenv("OTEL_SERVICE_NAME")
	default:
		return "taskkernel"
	}
}

func (c ProviderConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Provider owns the SDK tracer provider installed by InitProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider builds the exporter and tracer provider, installs them as
// the otel globals and sets the package tracer. Callers must Shutdown the
// result to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}
	name := cfg.serviceName()

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Mode != "" {
		attrs = append(attrs, attribute.String("kernel.mode", cfg.Mode))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	exporter, err := newSpanExporter(ctx, cfg, endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracer(name, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

func newSpanExporter(ctx context.Context, cfg ProviderConfig, endpoint string) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", cfg.Protocol)
	}
}

// Tracer returns the tracer bound to this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
