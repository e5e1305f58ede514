// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/pkg/types"
)

// mockTaskStore keeps records in memory and counts saves per status.
type mockTaskStore struct {
	mu      sync.Mutex
	records map[string]*store.TaskRecord
	saves   []types.TaskStatus
	saveErr error
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{records: make(map[string]*store.TaskRecord)}
}

func (s *mockTaskStore) Save(_ context.Context, r *store.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	c := *r
	s.records[r.ID] = &c
	s.saves = append(s.saves, r.Status)
	return nil
}

func (s *mockTaskStore) Get(_ context.Context, id string) (*store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *mockTaskStore) List(_ context.Context, f store.TaskFilter) ([]*store.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.TaskRecord
	for _, r := range s.records {
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *mockTaskStore) status(id string) types.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.Status
	}
	return ""
}

// gatedRunner blocks every task until its gate is released.
type gatedRunner struct {
	mu      sync.Mutex
	started chan string
	gate    chan struct{}
	result  string
	err     error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{started: make(chan string, 16), gate: make(chan struct{}), result: "done"}
}

func (g *gatedRunner) run(ctx context.Context, t *task.Task, _ task.Spec) (string, error) {
	g.started <- t.ID
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.err
}

func (g *gatedRunner) open() { close(g.gate) }

func waitStarted(t *testing.T, g *gatedRunner) string {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(2 * time.Second):
		require.FailNow(t, "task never started")
		return ""
	}
}

func waitDone(t *testing.T, m *task.Manager, id string) *task.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return got
}
