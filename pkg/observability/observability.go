// Package observability wires OpenTelemetry tracing and metrics for gemcall.
// Instrumentation points (request spans, limiter events) always go through
// this package; when disabled, the noop providers keep the call sites free.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/gemcall/gemcall"

// Config configures the observability system.
type Config struct {
	// Enabled turns on tracing and metrics export. When false the
	// package hands out noop instruments.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter selects the span exporter. Only "stdout" is built in;
	// callers needing OTLP install their own global providers before
	// constructing a Manager.
	Exporter string `yaml:"exporter,omitempty"`

	// SamplingRate controls what fraction of traces are sampled.
	// Range 0.0–1.0, default 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// Manager owns the tracer and meter handed to the rest of the library.
type Manager struct {
	tracer trace.Tracer
	meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewManager builds a Manager. With cfg.Enabled false (or a nil cfg) the
// returned manager uses whatever global providers are installed, which
// defaults to noop.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || !cfg.Enabled {
		return &Manager{
			tracer: otel.Tracer(instrumentationName),
			meter:  otel.Meter(instrumentationName),
		}, nil
	}

	var opts []sdktrace.TracerProviderOption
	switch cfg.Exporter {
	case "", "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	rate := cfg.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}
	opts = append(opts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)))

	tp := sdktrace.NewTracerProvider(opts...)
	mp := sdkmetric.NewMeterProvider()

	return &Manager{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		tp:     tp,
		mp:     mp,
	}, nil
}

// Tracer returns the library tracer.
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// Meter returns the library meter.
func (m *Manager) Meter() metric.Meter { return m.meter }

// Shutdown flushes and stops the providers owned by this manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	if m.tp != nil {
		if err := m.tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if m.mp != nil {
		if err := m.mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
