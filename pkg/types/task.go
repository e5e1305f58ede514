// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package types

import (
	"strings"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// TaskType classifies a unit of work for scheduling and crash recovery.
type TaskType string

const (
	// TaskTypeBackground is a detached task spawned by a tool or operator.
	TaskTypeBackground TaskType = "background"
	// TaskTypeAgentLoop is an invocation of the autonomous agent loop.
	TaskTypeAgentLoop TaskType = "agent-loop"
	// TaskTypeRecurring is spawned from a cron schedule.
	TaskTypeRecurring TaskType = "recurring"
	// TaskTypeRequest is a user-originated request. Never resumed without consent.
	TaskTypeRequest TaskType = "request"
)

// Valid reports whether t is a recognized task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeBackground, TaskTypeAgentLoop, TaskTypeRecurring, TaskTypeRequest:
		return true
	default:
		return false
	}
}

// AutoResume reports whether a task of this type may be restarted after a
// crash without asking a human.
func (t TaskType) AutoResume() bool {
	return t == TaskTypeBackground || t == TaskTypeAgentLoop || t == TaskTypeRecurring
}

// ParseTaskType parses a case-insensitive string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", sigilerr.Errorf(sigilerr.CodeTaskInvalidInput, "invalid task type: %q", s)
	}
	return t, nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a recognized task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Active reports whether the task is waiting or executing.
func (s TaskStatus) Active() bool {
	return s == TaskStatusQueued || s == TaskStatusRunning
}
