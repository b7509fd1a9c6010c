package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/hostfabric/telemetry/pkg/config"
	"github.com/hostfabric/telemetry/pkg/hostenv"
)

// OTLPProvider transmits events and spans to an OTLP collector through the
// OpenTelemetry SDK. Batching, retry, and the wire protocol live in the
// SDK's exporter, not here.
type OTLPProvider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         oteltrace.Tracer
	exported       otelmetric.Int64Counter

	mu          sync.Mutex
	globalAttrs []attribute.KeyValue
}

// OTLPOption configures OTLP provider creation.
type OTLPOption func(*otlpOptions)

type otlpOptions struct {
	traceExporter sdktrace.SpanExporter
}

// WithTraceExporter overrides the default OTLP exporter (for testing).
func WithTraceExporter(exp sdktrace.SpanExporter) OTLPOption {
	return func(o *otlpOptions) {
		o.traceExporter = exp
	}
}

// OTLPFactory returns a ProviderFactory building OTLP providers.
func OTLPFactory(opts ...OTLPOption) ProviderFactory {
	return func(ctx context.Context, cfg config.TelemetryConfig, host hostenv.Context) (Provider, error) {
		return NewOTLPProvider(ctx, cfg, host, opts...)
	}
}

// NewOTLPProvider creates an OTLP-backed provider. The host session context
// becomes resource attributes so every exported span carries it.
func NewOTLPProvider(ctx context.Context, cfg config.TelemetryConfig, host hostenv.Context, opts ...OTLPOption) (*OTLPProvider, error) {
	var options otlpOptions
	for _, opt := range opts {
		opt(&options)
	}

	res, err := newResource(cfg, host)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res, options.traceExporter)
	if err != nil {
		return nil, err
	}

	p := &OTLPProvider{
		tracerProvider: tp,
		tracer:         tp.Tracer("hostfabric/telemetry"),
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			// Metrics are an optional side channel; traces still flow.
			_ = tp.Shutdown(ctx)
			return nil, err
		}
		p.meterProvider = mp
		counter, err := mp.Meter("hostfabric/telemetry").Int64Counter("telemetry.events.exported")
		if err == nil {
			p.exported = counter
		}
	}

	return p, nil
}

// newResource describes the service and host session.
// A standalone resource avoids schema URL conflicts with resource.Default.
func newResource(cfg config.TelemetryConfig, host hostenv.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	attrs = append(attrs, toAttributeKeyValues(host.Attributes())...)
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...), nil
}

// newTracerProvider creates a TracerProvider with an OTLP exporter chosen
// by protocol, unless a test exporter overrides it.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	if exporter == nil {
		var err error
		switch cfg.Protocol {
		case "http/protobuf":
			opts := []otlptracehttp.Option{
				otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			}
			if cfg.Insecure {
				opts = append(opts, otlptracehttp.WithInsecure())
			} else if cfg.TLSSkipVerify {
				opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{
					InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
				}))
			}
			exporter, err = otlptracehttp.New(ctx, opts...)
		default: // "grpc"
			opts := []otlptracegrpc.Option{
				otlptracegrpc.WithEndpoint(cfg.Endpoint),
			}
			if cfg.Insecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			} else if cfg.TLSSkipVerify {
				opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
					InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
				})))
			}
			exporter, err = otlptracegrpc.New(ctx, opts...)
		}
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.Sampling.Rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.Sampling.Rate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.Sampling.Rate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	), nil
}

// newMeterProvider creates a MeterProvider exporting the pipeline's own
// counters over OTLP.
func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var exporter sdkmetric.Exporter
	var err error

	// Cumulative temporality for Prometheus-compatible backends.
	cumulative := func(sdkmetric.InstrumentKind) metricdata.Temporality {
		return metricdata.CumulativeTemporality
	}

	switch cfg.Protocol {
	case "http/protobuf":
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			}))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		} else if cfg.TLSSkipVerify {
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // User explicitly requested
			})))
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(cfg.Metrics.ExportInterval.Duration()),
			),
		),
	), nil
}

// SendEvent records a completed event as a span with explicit timestamps.
func (p *OTLPProvider) SendEvent(name string, data EventData, start, end time.Time) {
	_, span := p.tracer.Start(context.Background(), name,
		oteltrace.WithTimestamp(start),
		oteltrace.WithAttributes(p.eventAttributes(data)...),
	)
	span.End(oteltrace.WithTimestamp(end))

	if p.exported != nil {
		p.exported.Add(context.Background(), 1)
	}
}

// StartEvent opens a span; the handle's End closes it.
func (p *OTLPProvider) StartEvent(name string, data EventData, start time.Time) SpanHandle {
	_, span := p.tracer.Start(context.Background(), name,
		oteltrace.WithTimestamp(start),
		oteltrace.WithAttributes(p.eventAttributes(data)...),
	)
	if p.exported != nil {
		p.exported.Add(context.Background(), 1)
	}
	return otlpSpanHandle{span: span}
}

// SetGlobalAttributes replaces the attribute snapshot attached to every
// subsequent span.
func (p *OTLPProvider) SetGlobalAttributes(attrs map[string]interface{}) {
	converted := toAttributeKeyValues(attrs)
	p.mu.Lock()
	p.globalAttrs = converted
	p.mu.Unlock()
}

// Shutdown flushes pending spans and metrics.
func (p *OTLPProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ForceFlush immediately exports all pending telemetry data.
func (p *OTLPProvider) ForceFlush(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace flush: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *OTLPProvider) eventAttributes(data EventData) []attribute.KeyValue {
	p.mu.Lock()
	global := p.globalAttrs
	p.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(global)+len(data))
	attrs = append(attrs, global...)
	attrs = append(attrs, toAttributeKeyValues(map[string]interface{}(data))...)
	return attrs
}

type otlpSpanHandle struct {
	span oteltrace.Span
}

func (h otlpSpanHandle) End() {
	h.span.End()
}

// stripScheme removes http:// or https:// from an endpoint URL.
// The OTEL HTTP exporters expect just host:port, not full URLs.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}
