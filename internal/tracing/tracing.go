// Package tracing sets up OpenTelemetry tracing for the input method session.
//
// Sessions create two kinds of spans:
//   - ime.handshake, from AwaitingBus until Connected or failure
//   - ime.process_key, around every key RPC
//
// Spans go to a stdout exporter when tracing is enabled; otherwise a no-op
// provider keeps instrumentation free.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of session spans.
const TracerName = "imsession/internal/ime"

// TracerConfig configures the tracer provider.
type TracerConfig struct {
	ServiceName string
	Enabled     bool
	// Pretty indents exported spans.
	Pretty bool
	// Output receives exported spans; nil means stderr.
	Output io.Writer
	// SampleRatio in (0,1]; zero samples everything.
	SampleRatio float64
	// Sync exports each span as it ends instead of batching.
	Sync bool
}

// Provider owns a tracer provider and its exporter.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// NewProvider creates a Provider. A disabled config yields a no-op provider.
func NewProvider(cfg TracerConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(out)}
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "imsession"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	spanOpt := sdktrace.WithBatcher(exporter)
	if cfg.Sync {
		spanOpt = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(
		spanOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Tracer returns the tracer sessions should use.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(TracerName)
}

// TracerProvider returns the underlying provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// SetGlobal installs the provider as the otel global.
func (p *Provider) SetGlobal() {
	otel.SetTracerProvider(p.tp)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
