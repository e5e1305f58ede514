// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/pipeline"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

const (
	// DefaultInterval is the number of agent turns between checkpoints.
	DefaultInterval = 3
	// DefaultRetention is how old a checkpoint may get before startup
	// prunes it instead of recovering it.
	DefaultRetention = 7 * 24 * time.Hour

	transcriptTail  = 20
	maxEntryContent = 2000
)

// Config controls checkpointing.
type Config struct {
	Enabled   bool
	Interval  int
	Retention time.Duration
}

// Spawner is the part of the task manager recovery needs.
type Spawner interface {
	SpawnTask(ctx context.Context, spec task.Spec) (*task.Task, error)
}

// PendingDecision is an interrupted request waiting for a human to resume
// or discard it.
type PendingDecision struct {
	TaskID         string         `json:"task_id"`
	Type           types.TaskType `json:"type"`
	Prompt         string         `json:"prompt"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Turn           int            `json:"turn"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Resumed pairs an interrupted task with its replacement.
type Resumed struct {
	OldTaskID string         `json:"old_task_id"`
	NewTaskID string         `json:"new_task_id"`
	Type      types.TaskType `json:"type"`
}

// RecoveryReport summarises RecoverAll.
type RecoveryReport struct {
	Pruned    int               `json:"pruned"`
	Resumed   []Resumed         `json:"resumed,omitempty"`
	Pending   []PendingDecision `json:"pending,omitempty"`
	Discarded []string          `json:"discarded,omitempty"`
	Failed    []string          `json:"failed,omitempty"`
}

type Option func(*Manager)

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

// WithResumeHook is called with every task started from a checkpoint, so
// its owner can track it as if it had spawned it.
func WithResumeHook(fn func(*task.Task)) Option {
	return func(m *Manager) { m.onResume = fn }
}

// Manager writes checkpoints while tasks run and recovers them at startup.
type Manager struct {
	store   *Store
	spawner Spawner
	cfg     Config
	bus     *events.Bus
	logger  *slog.Logger
	metrics  *Metrics
	onResume func(*task.Task)

	recoverOnce sync.Once
	report      *RecoveryReport
	recoverErr  error

	mu      sync.Mutex
	pending map[string]*Checkpoint
	live    map[string]*pipeline.RequestContext
}

var _ pipeline.TurnObserver = (*Manager)(nil)

// NewManager creates a manager. A nil store or a disabled config turns
// every write into a no-op.
func NewManager(st *Store, spawner Spawner, cfg Config, opts ...Option) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	m := &Manager{
		store:   st,
		spawner: spawner,
		cfg:     cfg,
		logger:  slog.Default(),
		pending: make(map[string]*Checkpoint),
		live:    make(map[string]*pipeline.RequestContext),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Enabled() bool {
	return m.cfg.Enabled && m.store != nil
}

// Checkpoint persists rc as the latest snapshot of taskID.
func (m *Manager) Checkpoint(_ context.Context, taskID string, typ types.TaskType, rc RecoveryContext) error {
	if !m.Enabled() {
		return nil
	}
	cp, err := m.store.Write(Checkpoint{TaskID: taskID, Type: typ, Context: rc})
	m.metrics.wrote(err)
	if err != nil {
		return err
	}
	m.logger.Debug("checkpoint written", "task_id", taskID, "type", typ, "seq", cp.Seq, "turn", rc.Turn)
	return nil
}

// Begin writes the first checkpoint of a task as it starts, so a crash
// before the first periodic write is still recoverable, and keeps rc
// reachable for Flush until release is called.
func (m *Manager) Begin(ctx context.Context, rc *pipeline.RequestContext) (release func()) {
	id := rc.TaskID()
	if !m.Enabled() || id == "" {
		return func() {}
	}

	m.mu.Lock()
	m.live[id] = rc
	m.mu.Unlock()

	if err := m.Checkpoint(ctx, id, rc.TaskType(), Snapshot(rc)); err != nil {
		m.logger.Warn("writing initial checkpoint failed", "task_id", id, "error", err)
	}
	return func() {
		m.mu.Lock()
		if m.live[id] == rc {
			delete(m.live, id)
		}
		m.mu.Unlock()
	}
}

// Flush checkpoints the live request of taskID now, regardless of the turn
// interval. Tasks about to block on a human call it first.
func (m *Manager) Flush(ctx context.Context, taskID string) {
	m.mu.Lock()
	rc, ok := m.live[taskID]
	m.mu.Unlock()
	if !ok || !m.Enabled() {
		return
	}
	if err := m.Checkpoint(ctx, taskID, rc.TaskType(), Snapshot(rc)); err != nil {
		m.logger.Warn("writing checkpoint failed", "task_id", taskID, "turn", rc.Turn(), "error", err)
	}
}

// ObserveTurn checkpoints the request every Interval turns. Requests that
// do not belong to a task are ignored.
func (m *Manager) ObserveTurn(ctx context.Context, rc *pipeline.RequestContext) {
	if !m.Enabled() || rc.TaskID() == "" {
		return
	}
	if rc.Turn()%m.cfg.Interval != 0 {
		return
	}
	if err := m.Checkpoint(ctx, rc.TaskID(), rc.TaskType(), Snapshot(rc)); err != nil {
		m.logger.Warn("writing checkpoint failed", "task_id", rc.TaskID(), "turn", rc.Turn(), "error", err)
	}
}

// Complete drops the checkpoint of a task that reached a terminal state.
func (m *Manager) Complete(_ context.Context, taskID string) error {
	if !m.Enabled() {
		return nil
	}
	return m.store.Delete(taskID)
}

// HandleTerminal is a task manager OnTerminal hook. Tasks interrupted by
// shutdown keep their checkpoint for the next start.
func (m *Manager) HandleTerminal(t *task.Task) {
	if t.Interrupted {
		m.logger.Debug("keeping checkpoint of interrupted task", "task_id", t.ID)
		return
	}
	if err := m.Complete(context.Background(), t.ID); err != nil {
		m.logger.Warn("deleting checkpoint failed", "task_id", t.ID, "error", err)
	}
}

// RecoverAll prunes stale checkpoints and dispatches the rest: resumable
// types are respawned with a briefing, requests become pending decisions.
// It runs once per manager; later calls return the first report.
func (m *Manager) RecoverAll(ctx context.Context) (*RecoveryReport, error) {
	m.recoverOnce.Do(func() {
		m.report, m.recoverErr = m.recoverAll(ctx)
	})
	return m.report, m.recoverErr
}

func (m *Manager) recoverAll(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	if !m.Enabled() {
		return report, nil
	}

	pruned, err := m.store.Prune(m.cfg.Retention)
	report.Pruned = pruned
	if err != nil {
		m.logger.Warn("pruning checkpoints failed", "error", err)
	}

	for _, e := range m.store.Manifest() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		cp, err := m.store.Load(e.TaskID)
		if err != nil {
			m.logger.Warn("discarding unreadable checkpoint", "task_id", e.TaskID, "error", err)
			report.Discarded = append(report.Discarded, e.TaskID)
			m.metrics.recovered("discarded")
			continue
		}

		if !cp.Type.AutoResume() {
			d := m.addPending(cp)
			report.Pending = append(report.Pending, d)
			m.metrics.recovered("pending")
			m.logger.Info("interrupted request awaiting decision", "task_id", cp.TaskID, "turn", cp.Context.Turn)
			events.EmitTyped(m.bus, events.TopicPendingDecision, events.PendingDecision{
				TaskID:    d.TaskID,
				Type:      string(d.Type),
				Prompt:    d.Prompt,
				Turn:      d.Turn,
				CreatedAt: d.CreatedAt,
			})
			continue
		}

		t, err := m.respawn(ctx, cp)
		if err != nil {
			m.logger.Error("respawning checkpointed task failed", "task_id", cp.TaskID, "type", cp.Type, "error", err)
			report.Failed = append(report.Failed, cp.TaskID)
			m.metrics.recovered("failed")
			continue
		}
		report.Resumed = append(report.Resumed, Resumed{OldTaskID: cp.TaskID, NewTaskID: t.ID, Type: cp.Type})
		m.metrics.recovered("resumed")
	}

	m.logger.Info("checkpoint recovery finished",
		"pruned", report.Pruned,
		"resumed", len(report.Resumed),
		"pending", len(report.Pending),
		"discarded", len(report.Discarded),
		"failed", len(report.Failed))
	return report, nil
}

// respawn starts a replacement for cp's task and drops the old checkpoint.
func (m *Manager) respawn(ctx context.Context, cp *Checkpoint) (*task.Task, error) {
	meta := maps.Clone(cp.Context.Metadata)
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	meta["recovered_from"] = cp.TaskID

	t, err := m.spawner.SpawnTask(ctx, task.Spec{
		Type:           cp.Type,
		Prompt:         cp.Context.Prompt,
		ConversationID: cp.Context.ConversationID,
		Model:          cp.Context.Model,
		ParentID:       cp.TaskID,
		Briefing:       Briefing(cp),
		Metadata:       meta,
	})
	if err != nil {
		return nil, err
	}
	if m.onResume != nil {
		m.onResume(t)
	}

	if err := m.store.Delete(cp.TaskID); err != nil {
		m.logger.Warn("deleting recovered checkpoint failed", "task_id", cp.TaskID, "error", err)
	}
	m.logger.Info("resumed task from checkpoint", "old_task_id", cp.TaskID, "new_task_id", t.ID, "type", cp.Type)
	events.EmitTyped(m.bus, events.TopicCheckpointRecovered, events.CheckpointRecovered{
		OldTaskID: cp.TaskID,
		NewTaskID: t.ID,
		Type:      string(cp.Type),
	})
	return t, nil
}

func (m *Manager) addPending(cp *Checkpoint) PendingDecision {
	m.mu.Lock()
	m.pending[cp.TaskID] = cp
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.setPending(n)
	return decisionFor(cp)
}

// takePending removes and returns the pending request for taskID.
func (m *Manager) takePending(taskID string) (*Checkpoint, error) {
	m.mu.Lock()
	cp, ok := m.pending[taskID]
	delete(m.pending, taskID)
	n := len(m.pending)
	m.mu.Unlock()

	if !ok {
		return nil, sigilerr.New(sigilerr.CodeCheckpointNotFound, "no pending decision for task "+taskID,
			sigilerr.FieldTaskID(taskID))
	}
	m.metrics.setPending(n)
	return cp, nil
}

// PendingDecisions lists interrupted requests, oldest first.
func (m *Manager) PendingDecisions() []PendingDecision {
	m.mu.Lock()
	out := make([]PendingDecision, 0, len(m.pending))
	for _, cp := range m.pending {
		out = append(out, decisionFor(cp))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ResumeRequest restarts an interrupted request after a human agreed to it.
func (m *Manager) ResumeRequest(ctx context.Context, taskID string) (*task.Task, error) {
	cp, err := m.takePending(taskID)
	if err != nil {
		return nil, err
	}

	t, err := m.respawn(ctx, cp)
	if err != nil {
		m.addPending(cp)
		return nil, err
	}
	m.metrics.recovered("resumed")
	return t, nil
}

// DiscardRequest drops an interrupted request and its checkpoint.
func (m *Manager) DiscardRequest(_ context.Context, taskID string) error {
	if _, err := m.takePending(taskID); err != nil {
		return err
	}
	m.metrics.recovered("discarded")
	m.logger.Info("discarded interrupted request", "task_id", taskID)
	return m.store.Delete(taskID)
}

func decisionFor(cp *Checkpoint) PendingDecision {
	return PendingDecision{
		TaskID:         cp.TaskID,
		Type:           cp.Type,
		Prompt:         cp.Context.Prompt,
		ConversationID: cp.Context.ConversationID,
		Turn:           cp.Context.Turn,
		CreatedAt:      cp.CreatedAt,
	}
}

// Snapshot captures the resumable parts of a running request.
func Snapshot(rc *pipeline.RequestContext) RecoveryContext {
	msgs := rc.Messages()
	if len(msgs) > transcriptTail {
		msgs = msgs[len(msgs)-transcriptTail:]
	}

	var (
		transcript []Entry
		last       string
	)
	for _, msg := range msgs {
		if msg.Role == store.MessageRoleSystem {
			continue
		}
		if msg.Role == store.MessageRoleAssistant && msg.Content != "" {
			last = msg.Content
		}
		transcript = append(transcript, Entry{
			Role:     string(msg.Role),
			Content:  truncate(msg.Content, maxEntryContent),
			ToolName: msg.ToolName,
		})
	}

	var meta map[string]string
	if md := rc.Metadata(); len(md) > 0 {
		meta = make(map[string]string, len(md))
		for k, v := range md {
			meta[k] = fmt.Sprint(v)
		}
	}

	return RecoveryContext{
		Prompt:         rc.OriginalInput(),
		ConversationID: rc.ConversationID(),
		Model:          rc.Model(),
		Turn:           rc.Turn(),
		ToolCalls:      rc.ToolCalls(),
		LastResponse:   last,
		Transcript:     transcript,
		Metadata:       meta,
	}
}

// Briefing renders cp as the context handed to a resumed task.
func Briefing(cp *Checkpoint) string {
	rc := cp.Context
	var b strings.Builder

	fmt.Fprintf(&b, "This task was interrupted at %s and is being resumed.\n",
		cp.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Original request: %s\n", rc.Prompt)
	fmt.Fprintf(&b, "Progress before the interruption: %d turns, %d tool calls.\n", rc.Turn, rc.ToolCalls)
	if rc.LastResponse != "" {
		fmt.Fprintf(&b, "Last response: %s\n", rc.LastResponse)
	}
	if len(rc.Transcript) > 0 {
		b.WriteString("Recent transcript:\n")
		for _, e := range rc.Transcript {
			role := e.Role
			if e.ToolName != "" {
				role += ":" + e.ToolName
			}
			fmt.Fprintf(&b, "[%s] %s\n", role, e.Content)
		}
	}
	b.WriteString("Continue from where the previous attempt stopped. Do not repeat steps that already succeeded.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
