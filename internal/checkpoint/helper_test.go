// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package checkpoint_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openStore(t *testing.T, dir string, opts ...checkpoint.StoreOption) (*checkpoint.Store, checkpoint.ReplayReport) {
	t.Helper()
	s, report, err := checkpoint.Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, report
}

// appendWAL forges a write-ahead log entry as if the process died right
// after appending it.
func appendWAL(t *testing.T, dir string, cp checkpoint.Checkpoint) {
	t.Helper()
	require.NoError(t, checkpoint.Seal(&cp))
	line, err := json.Marshal(cp)
	require.NoError(t, err)
	appendRaw(t, dir, string(line))
}

func appendRaw(t *testing.T, dir, line string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, "wal.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func sampleContext(prompt string) checkpoint.RecoveryContext {
	return checkpoint.RecoveryContext{
		Prompt:         prompt,
		ConversationID: "conv-1",
		Model:          "anthropic/claude",
		Turn:           3,
		ToolCalls:      2,
		LastResponse:   "reading the config next",
		Transcript: []checkpoint.Entry{
			{Role: "user", Content: prompt},
			{Role: "assistant", Content: "reading the config next"},
			{Role: "tool", Content: "port: 8080", ToolName: "read_file"},
		},
		Metadata: map[string]string{"origin": "test"},
	}
}

type fakeSpawner struct {
	mu    sync.Mutex
	specs []task.Spec
	err   error
}

func (s *fakeSpawner) SpawnTask(_ context.Context, spec task.Spec) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.specs = append(s.specs, spec)
	return &task.Task{
		ID:     "new-" + strconv.Itoa(len(s.specs)),
		Type:   spec.Type,
		Status: types.TaskStatusQueued,
		Prompt: spec.Prompt,
	}, nil
}

func (s *fakeSpawner) spawned() []task.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.Spec(nil), s.specs...)
}

func (s *fakeSpawner) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func writeGarbage(dir, taskID string) error {
	return os.WriteFile(filepath.Join(dir, "slots", taskID+".json"), []byte("{torn"), 0o600)
}
