// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

// DefaultRetainFinished is how many finished tasks stay in memory before the
// oldest are only reachable through the task store.
const DefaultRetainFinished = 512

type entry struct {
	task   *Task
	spec   Spec
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// userCancelled distinguishes CancelTask from shutdown.
	userCancelled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists every transition. Without one, tasks live in memory.
func WithStore(s store.TaskStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRetainFinished bounds the in-memory history of finished tasks.
func WithRetainFinished(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// Manager spawns tasks and tracks them through
// queued -> running -> completed | failed | cancelled.
// Request tasks that share a conversation run FIFO on one lane; every
// other task gets a lane of its own.
type Manager struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	finished []string // ids of finished tasks, oldest first
	hooks    []func(*Task)
	closed   bool

	run     Runner
	store   store.TaskStore
	bus     *events.Bus
	logger  *slog.Logger
	metrics *Metrics
	lanes   *LanePool
	retain  int

	base      context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a manager that executes tasks with run.
func NewManager(run Runner, opts ...Option) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tasks:     make(map[string]*entry),
		run:       run,
		logger:    slog.Default(),
		lanes:     NewLanePool(),
		retain:    DefaultRetainFinished,
		base:      base,
		cancelAll: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTerminal registers fn to run after a task reaches a terminal state.
// Hooks run on the task's goroutine and receive a snapshot.
func (m *Manager) OnTerminal(fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// SpawnTask registers a queued task and starts it in the background. The
// task's lifetime is independent of ctx, which only bounds the initial
// persistence write.
func (m *Manager) SpawnTask(ctx context.Context, spec Spec) (*Task, error) {
	if !spec.Type.Valid() {
		return nil, sigilerr.Errorf(sigilerr.CodeTaskInvalidInput, "invalid task type %q", spec.Type)
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, sigilerr.New(sigilerr.CodeTaskInvalidInput, "task prompt is required")
	}
	if m.run == nil {
		return nil, sigilerr.New(sigilerr.CodeTaskInvalidInput, "task manager has no runner")
	}
	spec.Metadata = maps.Clone(spec.Metadata)

	t := &Task{
		ID:             uuid.NewString(),
		Type:           spec.Type,
		Status:         types.TaskStatusQueued,
		Prompt:         spec.Prompt,
		ConversationID: spec.ConversationID,
		ParentID:       spec.ParentID,
		Metadata:       spec.Metadata,
		CreatedAt:      time.Now().UTC(),
	}

	if m.store != nil {
		if err := m.store.Save(ctx, t.record()); err != nil {
			return nil, sigilerr.Wrap(err, sigilerr.CodeTaskRunFailure, "persisting new task",
				sigilerr.FieldTaskID(t.ID))
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, sigilerr.New(sigilerr.CodeTaskManagerClosed, "task manager is closed")
	}
	taskCtx, cancel := context.WithCancel(m.base)
	e := &entry{task: t, spec: spec, ctx: taskCtx, cancel: cancel, done: make(chan struct{})}
	m.tasks[t.ID] = e
	snap := t.clone()
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.spawned(t.Type)
	m.publish(snap)
	m.logger.Info("task spawned", "task_id", t.ID, "type", t.Type, "parent_id", t.ParentID)

	go m.execute(e)
	return snap, nil
}

func (m *Manager) execute(e *entry) {
	defer m.wg.Done()

	key := "task:" + e.task.ID
	if e.task.Type == types.TaskTypeRequest && e.task.ConversationID != "" {
		key = "conversation:" + e.task.ConversationID
	}
	lane, release := m.lanes.Acquire(key)
	defer release()

	var result string
	err := lane.Submit(e.ctx, func(ctx context.Context) error {
		snap := m.transition(e, func(t *Task) {
			t.Status = types.TaskStatusRunning
			t.StartedAt = time.Now().UTC()
		})
		m.metrics.started(snap.Type)
		out, err := m.run(ctx, snap, e.spec)
		result = out
		return err
	})

	m.finish(e, result, err)
}

func (m *Manager) finish(e *entry, result string, runErr error) {
	status := types.TaskStatusCompleted
	switch {
	case e.ctx.Err() != nil || sigilerr.IsCancelled(runErr):
		status = types.TaskStatusCancelled
	case runErr != nil:
		status = types.TaskStatusFailed
	}

	snap := m.transition(e, func(t *Task) {
		t.Status = status
		t.Result = result
		t.FinishedAt = time.Now().UTC()
		if runErr != nil {
			t.Error = runErr.Error()
		}
		if status == types.TaskStatusCancelled && !e.userCancelled && m.base.Err() != nil {
			t.Interrupted = true
			t.Error = "interrupted by shutdown"
		}
	})
	e.cancel()
	close(e.done)

	m.metrics.finished(snap)
	if runErr != nil && status == types.TaskStatusFailed {
		m.logger.Warn("task failed", "task_id", snap.ID, "type", snap.Type, "error", runErr)
	} else {
		m.logger.Info("task finished", "task_id", snap.ID, "type", snap.Type, "status", status)
	}

	m.mu.Lock()
	m.finished = append(m.finished, snap.ID)
	for len(m.finished) > m.retain {
		delete(m.tasks, m.finished[0])
		m.finished = m.finished[1:]
	}
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, h := range hooks {
		m.runHook(h, snap.clone())
	}
}

func (m *Manager) runHook(h func(*Task), t *Task) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("terminal hook panicked", "task_id", t.ID, "panic", r)
		}
	}()
	h(t)
}

// transition mutates the task under the lock, persists it and publishes
// the new status. It returns a snapshot.
func (m *Manager) transition(e *entry, fn func(*Task)) *Task {
	m.mu.Lock()
	fn(e.task)
	snap := e.task.clone()
	m.mu.Unlock()

	if m.store != nil {
		// Terminal writes must land even after Close cancelled the base ctx.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), 5*time.Second)
		defer cancel()
		if err := m.store.Save(ctx, snap.record()); err != nil {
			m.logger.Warn("persisting task status failed",
				"task_id", snap.ID,
				"status", snap.Status,
				"error", err,
			)
		}
	}
	m.publish(snap)
	return snap
}

func (m *Manager) publish(t *Task) {
	events.EmitTyped(m.bus, events.TopicTaskStatus, events.TaskStatus{
		TaskID: t.ID,
		Type:   string(t.Type),
		Status: string(t.Status),
		Error:  t.Error,
	})
}

// GetTask returns a snapshot of the task, falling back to the store for
// tasks no longer held in memory.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	var snap *Task
	if ok {
		snap = e.task.clone()
	}
	m.mu.RUnlock()
	if ok {
		return snap, nil
	}

	if m.store != nil {
		rec, err := m.store.Get(ctx, id)
		if err == nil {
			return fromRecord(rec), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, sigilerr.Wrap(err, sigilerr.CodeTaskRunFailure, "loading task", sigilerr.FieldTaskID(id))
		}
	}
	return nil, sigilerr.New(sigilerr.CodeTaskNotFound, "task not found: "+id, sigilerr.FieldTaskID(id))
}

// ListTasks returns matching tasks, newest first.
func (m *Manager) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	byID := make(map[string]*Task)

	if m.store != nil {
		recs, err := m.store.List(ctx, store.TaskFilter{Type: f.Type, Status: f.Status, Limit: f.Limit})
		if err != nil {
			return nil, sigilerr.Wrap(err, sigilerr.CodeTaskRunFailure, "listing tasks")
		}
		for _, r := range recs {
			byID[r.ID] = fromRecord(r)
		}
	}

	m.mu.RLock()
	for id, e := range m.tasks {
		t := e.task.clone()
		if f.match(t) {
			byID[id] = t
		} else {
			// The store may hold a stale status for a live task.
			delete(byID, id)
		}
	}
	m.mu.RUnlock()

	out := make([]*Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CancelTask cancels a queued or running task. Cancelling a finished task
// is a conflict.
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	var status types.TaskStatus
	if ok {
		status = e.task.Status
		if !status.Terminal() {
			e.userCancelled = true
		}
	}
	m.mu.Unlock()

	if !ok {
		return sigilerr.New(sigilerr.CodeTaskNotFound, "task not found: "+id, sigilerr.FieldTaskID(id))
	}
	if status.Terminal() {
		return sigilerr.Errorf(sigilerr.CodeTaskConflict, "task %s already %s", id, status)
	}
	e.cancel()
	m.logger.Info("task cancellation requested", "task_id", id)
	return nil
}

// Wait blocks until the task finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return m.GetTask(ctx, id)
	}

	select {
	case <-e.done:
		m.mu.RLock()
		defer m.mu.RUnlock()
		return e.task.clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active reports the number of queued or running tasks.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.tasks {
		if e.task.Status.Active() {
			n++
		}
	}
	return n
}

// ReconcileInterrupted marks stored tasks that were queued or running when
// the previous process died as failed. It returns how many were updated.
func (m *Manager) ReconcileInterrupted(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	n := 0
	for _, status := range []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusRunning} {
		recs, err := m.store.List(ctx, store.TaskFilter{Status: status})
		if err != nil {
			return n, sigilerr.Wrap(err, sigilerr.CodeTaskRunFailure, "listing interrupted tasks")
		}
		for _, r := range recs {
			m.mu.RLock()
			_, live := m.tasks[r.ID]
			m.mu.RUnlock()
			if live {
				continue
			}
			r.Status = types.TaskStatusFailed
			r.Error = "interrupted by restart"
			r.FinishedAt = time.Now().UTC()
			if err := m.store.Save(ctx, r); err != nil {
				return n, sigilerr.Wrap(err, sigilerr.CodeTaskRunFailure, "marking task interrupted",
					sigilerr.FieldTaskID(r.ID))
			}
			n++
		}
	}
	if n > 0 {
		m.logger.Info("marked interrupted tasks as failed", "count", n)
	}
	return n, nil
}

// Close cancels every task and waits for them to finish. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()
	m.wg.Wait()
	m.lanes.Close()
	return nil
}
