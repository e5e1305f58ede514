// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package checkpoint persists resumable task snapshots so in-flight work
// survives a crash, and replays them at startup.
//
// Every write goes through a write-ahead log before it reaches the task's
// slot file, so a crash at any point leaves either the old or the new
// checkpoint readable. For a given task only the highest-sequence
// checkpoint is authoritative.
package checkpoint

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sigil-dev/conductor/pkg/types"
)

// Checkpoint is an immutable snapshot of a task's resumable state.
type Checkpoint struct {
	TaskID    string          `json:"task_id"`
	Type      types.TaskType  `json:"type"`
	Seq       uint64          `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
	Context   RecoveryContext `json:"context"`
	Checksum  string          `json:"checksum,omitempty"`
}

// RecoveryContext is what a respawned task needs to pick up where its
// predecessor stopped.
type RecoveryContext struct {
	Prompt         string            `json:"prompt"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Model          string            `json:"model,omitempty"`
	Turn           int               `json:"turn"`
	ToolCalls      int               `json:"tool_calls"`
	LastResponse   string            `json:"last_response,omitempty"`
	Transcript     []Entry           `json:"transcript,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Entry is one compacted transcript line.
type Entry struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// ManifestEntry indexes the latest checkpoint of one task.
type ManifestEntry struct {
	TaskID    string         `json:"task_id"`
	Type      types.TaskType `json:"type"`
	Seq       uint64         `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
	Slot      string         `json:"slot"`
}

// sum hashes the checkpoint with its Checksum field cleared.
func (cp Checkpoint) sum() (string, error) {
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

func (cp *Checkpoint) seal() error {
	s, err := cp.sum()
	if err != nil {
		return err
	}
	cp.Checksum = s
	return nil
}

func (cp *Checkpoint) verify() bool {
	s, err := cp.sum()
	return err == nil && s == cp.Checksum
}
