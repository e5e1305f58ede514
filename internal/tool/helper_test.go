// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/tool"
	"github.com/stretchr/testify/require"
)

// mockAuditStore captures audit entries in memory.
type mockAuditStore struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
	err     error
}

func (m *mockAuditStore) Append(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditStore) Query(context.Context, store.AuditFilter) ([]*store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.AuditEntry(nil), m.entries...), nil
}

func (m *mockAuditStore) results() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Result)
	}
	return out
}

type harness struct {
	reg     *tool.Registry
	sec     *tool.Security
	runner  *tool.Runner
	bus     *events.Bus
	audit   *mockAuditStore
	metrics *tool.Metrics
	promReg *prometheus.Registry
}

func newHarness(t *testing.T, opts ...tool.RunnerOption) *harness {
	t.Helper()
	h := &harness{
		reg:     tool.NewRegistry(),
		bus:     events.New(),
		audit:   &mockAuditStore{},
		promReg: prometheus.NewRegistry(),
	}
	h.sec = tool.NewSecurity(tool.WithAuditStore(h.audit), tool.WithSecurityBus(h.bus))
	h.metrics = tool.NewMetrics(h.promReg)
	base := []tool.RunnerOption{tool.WithRunnerBus(h.bus), tool.WithMetrics(h.metrics)}
	h.runner = tool.NewRunner(h.reg, h.sec, append(base, opts...)...)
	return h
}

func echoHandler() tool.HandlerFunc {
	return func(_ context.Context, args map[string]any) (string, error) {
		s, _ := args["text"].(string)
		return "echo:" + s, nil
	}
}

var textSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{"text": map[string]any{"type": "string"}},
	"required":   []any{"text"},
}

// awaitConfirmationRequest waits for the next confirmation request on bus.
func awaitConfirmationRequest(t *testing.T, ch <-chan events.ConfirmationRequested) events.ConfirmationRequested {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for confirmation request")
		return events.ConfirmationRequested{}
	}
}

func confirmationRequests(h *harness) <-chan events.ConfirmationRequested {
	ch := make(chan events.ConfirmationRequested, 8)
	events.OnTyped(h.bus, events.TopicConfirmationRequested, func(r events.ConfirmationRequested) {
		ch <- r
	})
	return ch
}
