// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/pkg/types"
)

type taskStore struct {
	db *sql.DB
}

func (s *taskStore) Save(ctx context.Context, t *store.TaskRecord) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("saving task: id is required: %w", store.ErrInvalidInput)
	}
	if !t.Type.Valid() || !t.Status.Valid() {
		return fmt.Errorf("saving task %s: type %q status %q: %w", t.ID, t.Type, t.Status, store.ErrInvalidInput)
	}

	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling task %s metadata: %w", t.ID, err)
	}

	const q = `INSERT INTO tasks (id, type, status, prompt, conversation_id, parent_id, result, error, metadata, created_at, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	result = excluded.result,
	error = excluded.error,
	metadata = excluded.metadata,
	started_at = excluded.started_at,
	finished_at = excluded.finished_at`

	_, err = s.db.ExecContext(ctx, q,
		t.ID, string(t.Type), string(t.Status), t.Prompt, t.ConversationID, t.ParentID,
		t.Result, t.Error, meta,
		formatTime(t.CreatedAt), formatTime(t.StartedAt), formatTime(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, type, status, prompt, conversation_id, parent_id, result, error, metadata, created_at, started_at, finished_at`

func (s *taskStore) Get(ctx context.Context, id string) (*store.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return t, nil
}

func (s *taskStore) List(ctx context.Context, filter store.TaskFilter) ([]*store.TaskRecord, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT ` + taskColumns + ` FROM tasks`)

	var conditions []string
	var args []any
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	qb.WriteString(" ORDER BY created_at DESC LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var tasks []*store.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*store.TaskRecord, error) {
	var t store.TaskRecord
	var typ, status, meta, createdAt, startedAt, finishedAt string
	if err := sc.Scan(
		&t.ID, &typ, &status, &t.Prompt, &t.ConversationID, &t.ParentID,
		&t.Result, &t.Error, &meta, &createdAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	t.Type = types.TaskType(typ)
	t.Status = types.TaskStatus(status)

	var err error
	if t.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("task %s started_at: %w", t.ID, err)
	}
	if t.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, fmt.Errorf("task %s finished_at: %w", t.ID, err)
	}
	return &t, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
