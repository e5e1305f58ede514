// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/server"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

type mockLoop struct {
	mu        sync.Mutex
	status    agentloop.Status
	override  time.Duration
	questions []agentloop.Question
	answers   map[string]string
	busy      bool
}

func newMockLoop() *mockLoop {
	return &mockLoop{
		status:  agentloop.Status{State: agentloop.StateStopped, Interval: 5 * time.Minute},
		answers: make(map[string]string),
	}
}

func (m *mockLoop) Play(_ context.Context, override time.Duration) agentloop.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = override
	if override > 0 {
		m.status.Interval = override
	}
	m.status.State = agentloop.StatePlaying
	m.status.Invocation++
	return m.status
}

func (m *mockLoop) Pause() agentloop.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = agentloop.StatePaused
	return m.status
}

func (m *mockLoop) Resume(context.Context) agentloop.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = agentloop.StatePlaying
	return m.status
}

func (m *mockLoop) Stop() agentloop.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.State = agentloop.StateStopped
	m.status.Invocation = 0
	return m.status
}

func (m *mockLoop) SetInterval(d time.Duration) error {
	if d < agentloop.MinInterval {
		return sigilerr.Errorf(sigilerr.CodeAgentLoopIntervalInvalid, "interval %s is below %s", d, agentloop.MinInterval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Interval = d
	return nil
}

func (m *mockLoop) SetForegroundBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
	m.status.ForegroundBusy = busy
}

func (m *mockLoop) Status() agentloop.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockLoop) PendingQuestions() []agentloop.Question {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.questions
}

func (m *mockLoop) ResolveQuestion(_ context.Context, id, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.questions {
		if q.ID == id {
			m.questions = append(m.questions[:i], m.questions[i+1:]...)
			m.answers[id] = answer
			return nil
		}
	}
	return sigilerr.Errorf(sigilerr.CodeAgentLoopQuestionNotFound, "question %q not found", id)
}

type mockTasks struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	specs    []task.Spec
	filter   task.Filter
	spawnErr error
	result   string
}

func newMockTasks() *mockTasks {
	return &mockTasks{tasks: make(map[string]*task.Task), result: "done"}
}

func (m *mockTasks) SpawnTask(_ context.Context, spec task.Spec) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	if spec.Prompt == "" {
		return nil, sigilerr.New(sigilerr.CodeTaskInvalidInput, "prompt is required")
	}
	m.specs = append(m.specs, spec)
	t := &task.Task{
		ID:        "task-" + string(rune('0'+len(m.specs))),
		Type:      spec.Type,
		Status:    types.TaskStatusQueued,
		Prompt:    spec.Prompt,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *mockTasks) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, sigilerr.Errorf(sigilerr.CodeTaskNotFound, "task %q not found", id)
	}
	return t, nil
}

func (m *mockTasks) ListTasks(_ context.Context, f task.Filter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockTasks) CancelTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return sigilerr.Errorf(sigilerr.CodeTaskNotFound, "task %q not found", id)
	}
	if t.Status.Terminal() {
		return sigilerr.Errorf(sigilerr.CodeTaskConflict, "task %q already finished", id)
	}
	t.Status = types.TaskStatusCancelled
	return nil
}

func (m *mockTasks) Wait(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, sigilerr.Errorf(sigilerr.CodeTaskNotFound, "task %q not found", id)
	}
	t.Status = types.TaskStatusCompleted
	t.Result = m.result
	return t, nil
}

func (m *mockTasks) lastSpec() task.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.specs[len(m.specs)-1]
}

type mockConfirmations struct {
	mu        sync.Mutex
	pending   []tool.Confirmation
	decisions map[string]tool.Status
}

func (m *mockConfirmations) Pending() []tool.Confirmation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *mockConfirmations) ResolveConfirmation(_ context.Context, id string, decision tool.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decisions == nil {
		m.decisions = make(map[string]tool.Status)
	}
	if _, done := m.decisions[id]; done {
		return sigilerr.Errorf(sigilerr.CodeToolConfirmationConflict, "confirmation %q already resolved", id)
	}
	for _, c := range m.pending {
		if c.ID == id {
			m.decisions[id] = decision
			return nil
		}
	}
	return sigilerr.Errorf(sigilerr.CodeToolConfirmationNotFound, "confirmation %q not found", id)
}

type mockRecovery struct {
	mu        sync.Mutex
	decisions []checkpoint.PendingDecision
	discarded []string
}

func (m *mockRecovery) PendingDecisions() []checkpoint.PendingDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decisions
}

func (m *mockRecovery) take(id string) (checkpoint.PendingDecision, bool) {
	for i, d := range m.decisions {
		if d.TaskID == id {
			m.decisions = append(m.decisions[:i], m.decisions[i+1:]...)
			return d, true
		}
	}
	return checkpoint.PendingDecision{}, false
}

func (m *mockRecovery) ResumeRequest(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.take(id)
	if !ok {
		return nil, sigilerr.Errorf(sigilerr.CodeCheckpointNotFound, "no pending decision for %q", id)
	}
	return &task.Task{ID: "resumed-1", Type: d.Type, Status: types.TaskStatusQueued, Prompt: d.Prompt, ParentID: id}, nil
}

func (m *mockRecovery) DiscardRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.take(id); !ok {
		return sigilerr.Errorf(sigilerr.CodeCheckpointNotFound, "no pending decision for %q", id)
	}
	m.discarded = append(m.discarded, id)
	return nil
}

type fixture struct {
	srv           *server.Server
	loop          *mockLoop
	tasks         *mockTasks
	confirmations *mockConfirmations
	recovery      *mockRecovery
}

func newFixture(t *testing.T, cfg server.Config, opts ...server.Option) *fixture {
	t.Helper()
	f := &fixture{
		loop:          newMockLoop(),
		tasks:         newMockTasks(),
		confirmations: &mockConfirmations{},
		recovery:      &mockRecovery{},
	}
	svc, err := server.NewServices(f.loop, f.tasks, f.confirmations, f.recovery)
	require.NoError(t, err)

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	f.srv, err = server.New(cfg, svc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.srv.Close() })
	return f
}

// do sends a request through the handler and returns the recorder.
func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}
