// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package agentloop schedules the autonomous agent. A Controller moves
// between stopped, playing and paused; while playing, every interval it
// spawns one agent-loop task unless the previous one is still active or the
// user is busy in the foreground.
package agentloop

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

// State is the controller's run state.
type State string

const (
	StateStopped State = "stopped"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

const (
	// MinInterval is the floor for the tick interval.
	MinInterval = 5 * time.Second
	// DefaultInterval is used when no interval is configured.
	DefaultInterval = 5 * time.Minute
	// DefaultPrompt is the instruction given to every autonomous invocation.
	DefaultPrompt = "Continue your autonomous work. Review open goals, make progress on the most important one, and report what you did."
)

// Spawner is the part of the task manager the controller needs.
type Spawner interface {
	SpawnTask(ctx context.Context, spec task.Spec) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// Timer is a stoppable one-shot timer. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// TimerFunc arms a timer that calls f after d.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config holds controller settings.
type Config struct {
	Interval time.Duration
	// MinInterval raises the floor above MinInterval. Lower values are
	// ignored.
	MinInterval    time.Duration
	Prompt         string
	ConversationID string
}

// Status is a snapshot of the controller.
type Status struct {
	State            State         `json:"state"`
	Interval         time.Duration `json:"interval"`
	Invocation       int           `json:"invocation"`
	InFlightTaskID   string        `json:"in_flight_task_id,omitempty"`
	ForegroundBusy   bool          `json:"foreground_busy"`
	TimerRunning     bool          `json:"timer_running"`
	PendingQuestions int           `json:"pending_questions"`
}

type Option func(*Controller)

func WithBus(b *events.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithHistory persists answered questions to the primary conversation.
func WithHistory(h store.HistoryStore) Option {
	return func(c *Controller) { c.history = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBeforeBlock is called before a task blocks on a question, so its
// progress can be saved while it waits on a human.
func WithBeforeBlock(fn func(ctx context.Context, taskID string)) Option {
	return func(c *Controller) { c.beforeBlock = fn }
}

// WithTimerFunc replaces time.AfterFunc (for testing).
func WithTimerFunc(f TimerFunc) Option {
	return func(c *Controller) {
		if f != nil {
			c.afterFunc = f
		}
	}
}

// Controller is the autonomous loop state machine. All methods are safe for
// concurrent use.
type Controller struct {
	mu         sync.Mutex
	state      State
	interval   time.Duration
	invocation int
	fresh      bool // invocation was reset by Play and not yet consumed
	inFlight   string
	adopted    map[string]struct{}
	busy       bool
	timer      Timer
	gen        uint64 // bumped whenever the timer is cancelled or replaced
	epoch      uint64 // bumped on Stop so late spawns do not count
	questions  map[string]*pendingQuestion
	closed     bool
	closing    chan struct{}

	// tickMu serializes ticks so at most one spawn decision is in progress.
	tickMu sync.Mutex

	floor     time.Duration
	prompt    string
	convID    string
	spawner   Spawner
	bus       *events.Bus
	history   store.HistoryStore
	logger    *slog.Logger
	metrics   *Metrics
	afterFunc TimerFunc

	beforeBlock func(ctx context.Context, taskID string)
}

// New creates a stopped controller.
func New(spawner Spawner, cfg Config, opts ...Option) (*Controller, error) {
	floor := max(cfg.MinInterval, MinInterval)
	interval := cfg.Interval
	if interval == 0 {
		interval = max(DefaultInterval, floor)
	}
	if interval < floor {
		return nil, sigilerr.Errorf(sigilerr.CodeAgentLoopIntervalInvalid,
			"interval %s is below the minimum %s", interval, floor)
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	c := &Controller{
		state:     StateStopped,
		interval:  interval,
		questions: make(map[string]*pendingQuestion),
		adopted:   make(map[string]struct{}),
		closing:   make(chan struct{}),
		floor:     floor,
		prompt:    prompt,
		convID:    cfg.ConversationID,
		spawner:   spawner,
		logger:    slog.Default(),
		afterFunc: realTimer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.setState(StateStopped)
	return c, nil
}

// Play starts the loop, or resumes it when paused. A positive override at
// or above the floor replaces the interval; lower overrides are ignored.
// Playing an already playing loop changes nothing.
func (c *Controller) Play(ctx context.Context, override time.Duration) Status {
	c.mu.Lock()
	switch {
	case c.state == StatePlaying || c.closed:
		defer c.mu.Unlock()
		return c.statusLocked()
	case c.state == StatePaused:
		c.applyOverrideLocked(override)
		c.mu.Unlock()
		return c.Resume(ctx)
	}

	c.applyOverrideLocked(override)
	c.invocation = 1
	c.fresh = true
	ev := c.setStateLocked(StatePlaying)
	c.startTimerLocked()
	c.mu.Unlock()

	c.publish(ev)
	c.Tick(ctx)
	return c.Status()
}

func (c *Controller) applyOverrideLocked(override time.Duration) {
	if override >= c.floor {
		c.interval = override
	}
}

// Pause stops the timer but keeps the invocation counter and in-flight
// task. No-op unless playing.
func (c *Controller) Pause() Status {
	c.mu.Lock()
	if c.state != StatePlaying {
		defer c.mu.Unlock()
		return c.statusLocked()
	}
	c.stopTimerLocked()
	ev := c.setStateLocked(StatePaused)
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(ev)
	return st
}

// Resume restarts a paused loop and ticks immediately. No-op unless paused.
func (c *Controller) Resume(ctx context.Context) Status {
	c.mu.Lock()
	if c.state != StatePaused {
		defer c.mu.Unlock()
		return c.statusLocked()
	}
	ev := c.setStateLocked(StatePlaying)
	c.startTimerLocked()
	c.mu.Unlock()

	c.publish(ev)
	c.Tick(ctx)
	return c.Status()
}

// Stop halts the loop. No-op when already stopped.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	if c.state == StateStopped {
		defer c.mu.Unlock()
		return c.statusLocked()
	}
	c.stopTimerLocked()
	c.epoch++
	ev := c.setStateLocked(StateStopped)
	st := c.statusLocked()
	c.mu.Unlock()

	c.publish(ev)
	return st
}

// SetInterval changes the cadence, restarting the timer when playing.
func (c *Controller) SetInterval(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < c.floor {
		return sigilerr.Errorf(sigilerr.CodeAgentLoopIntervalInvalid,
			"interval %s is below the minimum %s", d, c.floor)
	}
	c.interval = d
	if c.state == StatePlaying {
		c.stopTimerLocked()
		c.startTimerLocked()
	}
	c.logger.Info("agent loop interval changed", "interval", d)
	return nil
}

// Adopt makes the controller treat an agent-loop task it did not spawn,
// such as one resumed from a checkpoint, as in flight. Ticks are skipped
// until every adopted task has finished.
func (c *Controller) Adopt(taskID string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adopted[taskID] = struct{}{}
	if c.inFlight == "" {
		c.inFlight = taskID
	}
	c.logger.Info("agent loop adopted task", "task_id", taskID)
}

// SetForegroundBusy suppresses ticks while a user request is running.
func (c *Controller) SetForegroundBusy(busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = busy
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{
		State:            c.state,
		Interval:         c.interval,
		Invocation:       c.invocation,
		InFlightTaskID:   c.inFlight,
		ForegroundBusy:   c.busy,
		TimerRunning:     c.timer != nil,
		PendingQuestions: len(c.questions),
	}
}

// Tick spawns the next agent-loop task if the loop is playing, the
// foreground is idle and the previous task has finished.
func (c *Controller) Tick(ctx context.Context) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	if !c.canTickLocked() {
		c.mu.Unlock()
		return
	}
	watch := make([]string, 0, len(c.adopted)+1)
	if c.inFlight != "" {
		watch = append(watch, c.inFlight)
	}
	for id := range c.adopted {
		if id != c.inFlight {
			watch = append(watch, id)
		}
	}
	c.mu.Unlock()

	for _, id := range watch {
		t, err := c.spawner.GetTask(ctx, id)
		if err == nil && t.Status.Active() {
			c.metrics.skipped("in_flight")
			c.logger.Debug("agent loop task still active, skipping tick", "task_id", id)
			return
		}
		c.mu.Lock()
		delete(c.adopted, id)
		c.mu.Unlock()
	}

	// State may have changed while looking up the last task.
	c.mu.Lock()
	if !c.canTickLocked() {
		c.mu.Unlock()
		return
	}
	next := c.invocation + 1
	if c.fresh {
		next = c.invocation
	}
	epoch := c.epoch
	c.mu.Unlock()

	t, err := c.spawner.SpawnTask(ctx, task.Spec{
		Type:           types.TaskTypeAgentLoop,
		Prompt:         c.prompt,
		ConversationID: c.convID,
		Metadata:       map[string]string{"invocation": strconv.Itoa(next)},
	})
	if err != nil {
		c.metrics.skipped("spawn_failed")
		c.logger.Warn("spawning agent loop task failed", "invocation", next, "error", err)
		return
	}

	c.mu.Lock()
	c.inFlight = t.ID
	counted := c.epoch == epoch
	if counted {
		c.invocation = next
		c.fresh = false
	}
	c.mu.Unlock()

	if !counted {
		c.logger.Info("agent loop stopped while spawning", "task_id", t.ID)
		return
	}
	c.metrics.invoked()
	c.logger.Info("agent loop invocation", "invocation", next, "task_id", t.ID)
	events.EmitTyped(c.bus, events.TopicLoopInvocation, events.Invocation{Invocation: next, TaskID: t.ID})
}

func (c *Controller) canTickLocked() bool {
	if c.state != StatePlaying {
		return false
	}
	if c.busy {
		c.metrics.skipped("foreground_busy")
		return false
	}
	return true
}

// caller holds c.mu.
func (c *Controller) startTimerLocked() {
	gen := c.gen
	interval := c.interval
	c.timer = c.afterFunc(interval, func() { c.onTimer(gen) })
}

// caller holds c.mu.
func (c *Controller) stopTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onTimer(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.Tick(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.gen && c.state == StatePlaying && c.timer == nil {
		c.startTimerLocked()
	}
}

// caller holds c.mu. The returned event is published after unlocking.
func (c *Controller) setStateLocked(to State) events.StateChanged {
	from := c.state
	c.state = to
	c.metrics.setState(to)
	c.logger.Info("agent loop state changed", "from", from, "to", to, "invocation", c.invocation)
	return events.StateChanged{
		From:       string(from),
		To:         string(to),
		Invocation: c.invocation,
		Interval:   c.interval,
	}
}

func (c *Controller) publish(ev events.StateChanged) {
	events.EmitTyped(c.bus, events.TopicLoopStateChanged, ev)
}

// Close stops the loop and releases every question waiter. Idempotent.
func (c *Controller) Close() error {
	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
	return nil
}
