// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/sigil-dev/conductor/internal/store"
)

type historyStore struct {
	db *sql.DB
}

func (s *historyStore) Append(ctx context.Context, msg *store.Message) error {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("appending message: id and conversation are required: %w", store.ErrInvalidInput)
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("appending message %s: role %q: %w", msg.ID, msg.Role, store.ErrInvalidInput)
	}

	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling message %s metadata: %w", msg.ID, err)
	}

	const q = `INSERT INTO messages (id, conversation_id, role, content, source, task_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		msg.Source, msg.TaskID, meta, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *historyStore) Recent(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	const q = `SELECT id, conversation_id, role, content, source, task_id, metadata, created_at
FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", conversationID, err)
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var msgs []*store.Message
	for rows.Next() {
		var m store.Message
		var role, meta, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Source, &m.TaskID, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Role = store.MessageRole(role)
		if m.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, fmt.Errorf("message %s metadata: %w", m.ID, err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("message %s created_at: %w", m.ID, err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}
