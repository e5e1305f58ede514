// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tracing_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sigil-dev/conductor/internal/tracing"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// recordingExporter keeps every exported span.
type recordingExporter struct {
	mu    sync.Mutex
	spans []sdktrace.ReadOnlySpan
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error { return nil }

func (e *recordingExporter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.spans))
	for i, s := range e.spans {
		out[i] = s.Name()
	}
	return out
}

func restoreGlobalProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetupDisabledKeepsNoopProvider(t *testing.T) {
	restoreGlobalProvider(t)
	before := otel.GetTracerProvider()

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{})
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupExportsSpansOnShutdown(t *testing.T) {
	restoreGlobalProvider(t)
	exp := &recordingExporter{}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:     true,
		ServiceName: "conductor-test",
		Version:     "1.2.3",
	}, tracing.WithExporter(exp))
	require.NoError(t, err)

	_, span := otel.Tracer("conductor/pipeline").Start(context.Background(), "pipeline.execute")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, []string{"pipeline.execute"}, exp.names())

	attrs := exp.spans[0].Resource().Attributes()
	var service string
	for _, kv := range attrs {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "conductor-test", service)
}

func TestSetupRequiresEndpoint(t *testing.T) {
	restoreGlobalProvider(t)

	_, err := tracing.Setup(context.Background(), tracing.Config{Enabled: true})
	require.Error(t, err)
	assert.True(t, sigilerr.IsInvalidInput(err))
}
