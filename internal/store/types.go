// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"time"

	"github.com/sigil-dev/conductor/pkg/types"
)

// MessageRole identifies the sender of a message in a conversation.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// Valid reports whether r is a known role.
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem, MessageRoleTool:
		return true
	default:
		return false
	}
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID             string
	ConversationID string
	Role           MessageRole
	Content        string
	// Source records what produced the message, e.g. "request", "agent-loop"
	// or "question".
	Source    string
	TaskID    string
	CreatedAt time.Time
	Metadata  map[string]string
}

// TaskRecord is the persisted view of a task.
type TaskRecord struct {
	ID             string
	Type           types.TaskType
	Status         types.TaskStatus
	Prompt         string
	ConversationID string
	ParentID       string
	Result         string
	Error          string
	Metadata       map[string]string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// TaskFilter narrows List results. Zero fields match everything.
type TaskFilter struct {
	Type   types.TaskType
	Status types.TaskStatus
	Limit  int
	Offset int
}

// AuditEntry records a security-relevant action.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Action    string
	Actor     string
	Tool      string
	TaskID    string
	RequestID string
	Details   map[string]any
	Result    string
}

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	Action string
	Actor  string
	Tool   string
	TaskID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
