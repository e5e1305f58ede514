// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agentloop_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

// fakeSpawner records spawns; task status is set by the test.
type fakeSpawner struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	spawned  []task.Spec
	spawnErr error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{tasks: make(map[string]*task.Task)}
}

func (s *fakeSpawner) SpawnTask(_ context.Context, spec task.Spec) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	s.spawned = append(s.spawned, spec)
	t := &task.Task{ID: "task-" + strconv.Itoa(len(s.spawned)), Type: spec.Type, Status: types.TaskStatusRunning}
	s.tasks[t.ID] = t
	c := *t
	return &c, nil
}

func (s *fakeSpawner) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, sigilerr.New(sigilerr.CodeTaskNotFound, "not found")
	}
	c := *t
	return &c, nil
}

func (s *fakeSpawner) finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = types.TaskStatusCompleted
}

// running registers a task the controller did not spawn.
func (s *fakeSpawner) running(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = &task.Task{ID: id, Type: types.TaskTypeAgentLoop, Status: types.TaskStatusRunning}
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) failWith(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnErr = errors.New(msg)
}

// fakeClock hands out manual timers.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) agentloop.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// last returns the most recently armed timer.
func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs the latest timer's callback as the runtime would.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	tm := c.last()
	require.NotNil(t, tm, "no timer armed")
	tm.f()
}

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

func (h *mockHistory) Recent(context.Context, string, int) ([]*store.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*store.Message(nil), h.msgs...), nil
}

type harness struct {
	ctrl    *agentloop.Controller
	spawner *fakeSpawner
	clock   *fakeClock
	history *mockHistory
	bus     *events.Bus
}

func newHarness(t *testing.T, cfg agentloop.Config) *harness {
	t.Helper()
	h := &harness{
		spawner: newFakeSpawner(),
		clock:   &fakeClock{},
		history: &mockHistory{},
		bus:     events.New(),
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "primary"
	}
	ctrl, err := agentloop.New(h.spawner, cfg,
		agentloop.WithTimerFunc(h.clock.AfterFunc),
		agentloop.WithHistory(h.history),
		agentloop.WithBus(h.bus),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	h.ctrl = ctrl
	return h
}
