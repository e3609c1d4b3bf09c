// Package observability provides OpenTelemetry tracing, build metrics and
// structured logging for incbuild.
package observability

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultServiceName     = "incbuild"
	defaultShutdownTimeout = 5 * time.Second
)

// Config selects where the telemetry of a build worker goes and how much
// of it is kept.
type Config struct {
	// ServiceName and ServiceVersion label the OTel resource and every log
	// record.
	ServiceName    string
	ServiceVersion string

	// Collector receives traces and metrics. The zero value keeps telemetry
	// in process.
	Collector Collector

	Sampling Sampling

	LogLevel slog.Level
	LogJSON  bool

	// ShutdownTimeout bounds the final flush of the providers.
	ShutdownTimeout time.Duration
}

// Collector addresses an OTLP gRPC collector.
type Collector struct {
	Endpoint string
	Headers  map[string]string
	Insecure bool
}

// Sampling decides which build traces are exported.
type Sampling struct {
	// All exports every trace and reports dropped span attributes.
	All bool

	// Ratio samples root traces when All is unset. Zero leaves the choice
	// to OTEL_TRACES_SAMPLER.
	Ratio float64

	// PerFile keeps spans below stage level.
	PerFile bool
}

// DefaultConfig returns the configuration of a worker without a collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:     defaultServiceName,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}

func (c Collector) enabled() bool {
	return c.Endpoint != ""
}

func (c Collector) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.Endpoint)}

	if c.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(c.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
	}

	return opts
}

func (c Collector) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.Endpoint)}

	if c.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	if len(c.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(c.Headers))
	}

	return opts
}

// sampler returns nil when the SDK default applies.
func (s Sampling) sampler() sdktrace.Sampler {
	switch {
	case s.All:
		return sdktrace.AlwaysSample()
	case s.Ratio > 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.Ratio))
	default:
		return nil
	}
}
