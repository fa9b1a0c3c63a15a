package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultServiceName is reported when no service name is configured.
	DefaultServiceName = "pgpool-runtime-manager"

	shutdownTimeout = 5 * time.Second
)

// Config represents telemetry configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	PoolName       string

	Exporter ExporterConfig
	Sampling SamplingConfig
}

// ExporterConfig selects where finished spans go
type ExporterConfig struct {
	Type     string // "stdout" or "otlp"
	Endpoint string
	Insecure bool
	Headers  map[string]string
}

// SamplingConfig configures trace sampling
type SamplingConfig struct {
	Rate float64 // 0.0 to 1.0
}

// Option customizes a Service
type Option func(*serviceOptions)

type serviceOptions struct {
	exporter sdktrace.SpanExporter
	syncer   bool
}

// WithSpanExporter replaces the configured exporter. Spans are exported
// synchronously so callers can inspect them as soon as a span ends.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *serviceOptions) {
		o.exporter = exporter
		o.syncer = true
	}
}

// Service owns the tracer provider shared by the pool, planner, index
// inspector and scaling controller.
type Service struct {
	config   Config
	logger   *zap.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService builds the tracer provider and installs it globally. A
// disabled config yields a Service whose tracer is a no-op.
func NewService(config Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if !config.Enabled {
		logger.Info("Telemetry disabled")
		return &Service{config: config, logger: logger}, nil
	}

	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}

	res, err := newResource(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		exporter, err = newExporter(config.Exporter)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	spanOpt := sdktrace.WithBatcher(exporter)
	if o.syncer {
		spanOpt = sdktrace.WithSyncer(exporter)
	}

	provider := sdktrace.NewTracerProvider(
		spanOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config.Sampling.Rate)),
	)
	otel.SetTracerProvider(provider)

	logger.Info("Telemetry initialized",
		zap.String("service", config.ServiceName),
		zap.String("pool", config.PoolName),
		zap.String("exporter", config.Exporter.Type),
		zap.Float64("sampling_rate", config.Sampling.Rate))

	return &Service{
		config:   config,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}, nil
}

func newResource(config Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(config.Environment),
		semconv.DBSystemPostgreSQL,
	}
	if config.PoolName != "" {
		attrs = append(attrs, attribute.String(AttrPoolName, config.PoolName))
	}
	return resource.New(context.Background(), resource.WithAttributes(attrs...))
}

// newSampler follows the parent's decision and samples root spans at rate.
func newSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

func newExporter(config ExporterConfig) (sdktrace.SpanExporter, error) {
	switch config.Type {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		if config.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		return otlptracehttp.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Type)
	}
}

// Start is a no-op kept for symmetry with the other runnable components
func (s *Service) Start(ctx context.Context) error {
	if s.IsEnabled() {
		s.logger.Debug("Telemetry service started")
	}
	return nil
}

// Stop flushes pending spans and shuts the provider down
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown telemetry provider", zap.Error(err))
		return err
	}

	s.logger.Info("Telemetry service stopped")
	return nil
}

// Tracer returns the service tracer, or a no-op tracer when disabled
func (s *Service) Tracer() oteltrace.Tracer {
	if s == nil || s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled returns true if telemetry is enabled
func (s *Service) IsEnabled() bool {
	return s != nil && s.config.Enabled
}
