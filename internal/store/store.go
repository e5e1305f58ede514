// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "context"

// Store groups the persistent state the orchestrator needs between
// restarts: the audit trail, task records and conversation history.
type Store interface {
	Audit() AuditStore
	Tasks() TaskStore
	History() HistoryStore
	Close() error
}

// AuditStore manages the append-only audit log of security decisions.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// TaskStore persists task records so status survives restarts.
type TaskStore interface {
	// Save inserts or replaces the record with the same ID.
	Save(ctx context.Context, task *TaskRecord) error
	Get(ctx context.Context, id string) (*TaskRecord, error)
	List(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
}

// HistoryStore holds conversation transcripts.
type HistoryStore interface {
	Append(ctx context.Context, msg *Message) error
	// Recent returns up to limit of the newest messages in chronological order.
	Recent(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}
