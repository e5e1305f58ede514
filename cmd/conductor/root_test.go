// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"conductor", "start", "chat", "loop", "tasks", "tools", "checkpoints", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	out, err := execute(t, "--verbose", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--config")
	assert.Contains(t, out, "--data-dir")
	assert.Contains(t, out, "--verbose")
	assert.Contains(t, out, "--address")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "conductor dev")
}

func TestStartCommand_RequiresConfig(t *testing.T) {
	_, err := execute(t, "start", "--config", "/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"multiline", "first\nsecond", 10, "first"},
		{"truncated", "abcdefghij", 5, "abcd…"},
		{"runes", "ééééé", 3, "éé…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstLine(tt.in, tt.n))
		})
	}
}

func TestStyleState_UnknownPassesThrough(t *testing.T) {
	assert.Equal(t, "mystery", styleState("mystery"))
	assert.Contains(t, styleState("playing"), "playing")
}
