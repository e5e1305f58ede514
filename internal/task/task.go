// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package task owns the lifecycle of units of work: spawning, status
// tracking, cancellation and persistence. Work itself is delegated to a
// Runner, which the composition root binds to the request pipeline.
package task

import (
	"context"
	"maps"
	"time"

	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/pkg/types"
)

// Spec describes a task to spawn.
type Spec struct {
	Type           types.TaskType    `json:"type"`
	Prompt         string            `json:"prompt"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Model          string            `json:"model,omitempty"`
	MaxTurns       int               `json:"max_turns,omitempty"`
	ParentID       string            `json:"parent_id,omitempty"`
	// Briefing is context carried over from an interrupted predecessor.
	Briefing string            `json:"briefing,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Task is a point-in-time snapshot of a task.
type Task struct {
	ID             string            `json:"id"`
	Type           types.TaskType    `json:"type"`
	Status         types.TaskStatus  `json:"status"`
	Prompt         string            `json:"prompt"`
	ConversationID string            `json:"conversation_id,omitempty"`
	ParentID       string            `json:"parent_id,omitempty"`
	Result         string            `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	FinishedAt     time.Time         `json:"finished_at,omitzero"`
	// Interrupted is set when the task was cancelled by shutdown rather
	// than by request; its checkpoint should survive for recovery.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Filter narrows ListTasks. Zero fields match everything.
type Filter struct {
	Type   types.TaskType
	Status types.TaskStatus
	Limit  int
}

func (f Filter) match(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Runner executes a task and returns its final text. It must honour ctx
// cancellation.
type Runner func(ctx context.Context, t *Task, spec Spec) (string, error)

func (t *Task) clone() *Task {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

func (t *Task) record() *store.TaskRecord {
	return &store.TaskRecord{
		ID:             t.ID,
		Type:           t.Type,
		Status:         t.Status,
		Prompt:         t.Prompt,
		ConversationID: t.ConversationID,
		ParentID:       t.ParentID,
		Result:         t.Result,
		Error:          t.Error,
		Metadata:       maps.Clone(t.Metadata),
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
	}
}

func fromRecord(r *store.TaskRecord) *Task {
	return &Task{
		ID:             r.ID,
		Type:           r.Type,
		Status:         r.Status,
		Prompt:         r.Prompt,
		ConversationID: r.ConversationID,
		ParentID:       r.ParentID,
		Result:         r.Result,
		Error:          r.Error,
		Metadata:       maps.Clone(r.Metadata),
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}
