// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/pipeline"
	"github.com/sigil-dev/conductor/internal/provider"
	"github.com/sigil-dev/conductor/internal/services"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/tool"
	"github.com/sigil-dev/conductor/pkg/types"
	"github.com/stretchr/testify/require"
)

// turn is one scripted model reply.
type turn struct {
	text  string
	calls []provider.ToolCall
}

// scriptedProvider replays turns in order and repeats the last one once
// the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []turn
	requests []provider.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Available(context.Context) bool { return true }
func (p *scriptedProvider) Close() error { return nil }
func (p *scriptedProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: true, Provider: "scripted"}, nil
}

func (p *scriptedProvider) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	t := p.script[idx]
	p.mu.Unlock()

	ch := make(chan provider.ChatEvent, len(t.calls)+3)
	if t.text != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: t.text}
	}
	for i := range t.calls {
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &t.calls[i]}
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.ChatRequest(nil), p.requests...)
}

type staticRouter struct{ p provider.Provider }

func (r staticRouter) Route(context.Context, string) (provider.Provider, string, error) {
	return r.p, "test-model", nil
}
func (r staticRouter) Close() error { return nil }

type mockHistory struct {
	mu   sync.Mutex
	msgs []*store.Message
}

func (h *mockHistory) Append(_ context.Context, m *store.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	return nil
}

func (h *mockHistory) Recent(_ context.Context, convID string, _ int) ([]*store.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*store.Message
	for _, m := range h.msgs {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *mockHistory) all() []*store.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*store.Message(nil), h.msgs...)
}

type turnRecorder struct {
	mu    sync.Mutex
	turns []int
}

func (r *turnRecorder) ObserveTurn(_ context.Context, rc *pipeline.RequestContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, rc.Turn())
}

// recorder collects the names of stages as they run.
type recorder struct {
	mu  sync.Mutex
	ran []types.StageName
}

func (r *recorder) stage(name types.StageName, body func(ctx context.Context, rc *pipeline.RequestContext, next pipeline.Next) error) pipeline.Stage {
	return pipeline.Stage{Name: name, Run: func(ctx context.Context, rc *pipeline.RequestContext, _ *services.Locator, next pipeline.Next) error {
		r.mu.Lock()
		r.ran = append(r.ran, name)
		r.mu.Unlock()
		if body == nil {
			return next(ctx)
		}
		return body(ctx, rc, next)
	}}
}

func (r *recorder) names() []types.StageName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StageName(nil), r.ran...)
}

// env is a fully wired standard pipeline over a scripted provider.
type env struct {
	pipe     *pipeline.Pipeline
	svc      *services.Locator
	provider *scriptedProvider
	registry *tool.Registry
	history  *mockHistory
	observer *turnRecorder
	bus      *events.Bus
}

func newEnv(t *testing.T, script ...turn) *env {
	t.Helper()

	e := &env{
		svc:      services.New(),
		provider: &scriptedProvider{script: script},
		registry: tool.NewRegistry(),
		history:  &mockHistory{},
		observer: &turnRecorder{},
		bus:      events.New(),
	}
	e.svc.Register(services.Router, provider.Router(staticRouter{p: e.provider}))
	e.svc.Register(services.Tools, e.registry)
	e.svc.Register(services.ToolRunner, tool.NewRunner(e.registry, tool.NewSecurity()))
	e.svc.Register(services.History, store.HistoryStore(e.history))
	e.svc.Register(services.Checkpoints, pipeline.TurnObserver(e.observer))
	e.svc.Register(services.Events, e.bus)

	stages, err := pipeline.Standard(pipeline.StagesConfig{SystemPrompt: "be brief"})
	require.NoError(t, err)
	e.pipe, err = pipeline.New(stages, pipeline.WithBus(e.bus))
	require.NoError(t, err)
	return e
}

func (e *env) run(t *testing.T, ctx context.Context, opts pipeline.RequestOptions) (*pipeline.RequestContext, string, error) {
	t.Helper()
	if opts.ConversationID == "" {
		opts.ConversationID = "conv-1"
	}
	rc := pipeline.NewRequestContext(opts)
	out, err := e.pipe.Execute(ctx, rc, e.svc)
	return rc, out, err
}

func textSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}
}
