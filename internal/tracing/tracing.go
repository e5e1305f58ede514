// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package tracing installs the OpenTelemetry tracer provider that pipeline
// and tool spans are recorded on. When disabled the global no-op provider
// stays in place.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// DefaultServiceName identifies the daemon in exported traces.
const DefaultServiceName = "conductor"

// Config controls span export.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint    string
	Insecure    bool
	SampleRate  float64
	ServiceName string
	Version     string
}

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

type options struct {
	exporter sdktrace.SpanExporter
}

type Option func(*options)

// WithExporter replaces the OTLP exporter (for testing).
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = e }
}

// Setup installs a batching tracer provider as the global provider and
// returns its shutdown. A disabled config returns a no-op shutdown.
func Setup(ctx context.Context, cfg Config, opts ...Option) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	exporter := o.exporter
	if exporter == nil {
		if cfg.Endpoint == "" {
			return nil, sigilerr.New(sigilerr.CodeConfigValidateInvalidValue, "tracing endpoint is required")
		}
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		var err error
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
		if err != nil {
			return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating trace exporter")
		}
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if cfg.Version != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.Version))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		res = resource.NewSchemaless(attrs...)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// sampler maps a rate to a parent-based sampler; zero means sample all.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0 || rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}
