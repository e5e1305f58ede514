// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool_test

import (
	"context"
	"testing"

	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterResolveLookup(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("echo", textSchema, echoHandler(),
		tool.WithDescription("echo text"), tool.WithClass(tool.ClassInteractive)))

	h, ok := reg.Resolve("echo")
	require.True(t, ok)
	out, err := h.Invoke(context.Background(), map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", out)

	def, ok := reg.Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, tool.SourceBuiltin, def.Source)
	assert.Equal(t, tool.ClassInteractive, def.Class)

	_, ok = reg.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistry_LastWriterWins(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("t", nil, tool.HandlerFunc(func(context.Context, map[string]any) (string, error) {
		return "v1", nil
	})))
	require.NoError(t, reg.Register("t", nil, tool.HandlerFunc(func(context.Context, map[string]any) (string, error) {
		return "v2", nil
	}), tool.WithSource(tool.SourcePlugin)))

	h, _ := reg.Resolve("t")
	out, _ := h.Invoke(context.Background(), nil)
	assert.Equal(t, "v2", out)
	assert.Len(t, reg.List(), 1)
}

func TestRegistry_UnregisterAndSource(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("a", nil, echoHandler(), tool.WithSource(tool.SourcePlugin)))
	require.NoError(t, reg.Register("b", nil, echoHandler(), tool.WithSource(tool.SourcePlugin)))
	require.NoError(t, reg.Register("c", nil, echoHandler()))

	assert.True(t, reg.Unregister("a"))
	assert.False(t, reg.Unregister("a"))
	assert.Equal(t, 1, reg.UnregisterSource(tool.SourcePlugin))
	assert.Len(t, reg.List(), 1)
}

func TestRegistry_ListDefinitionsSorted(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register("zeta", nil, echoHandler()))
	require.NoError(t, reg.Register("alpha", textSchema, echoHandler(), tool.WithDescription("first")))

	defs := reg.ListDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "first", defs[0].Description)
	assert.Equal(t, map[string]any{"type": "object"}, defs[1].InputSchema)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := tool.NewRegistry()
	assert.True(t, sigilerr.IsInvalidInput(reg.Register("", nil, echoHandler())))
	assert.True(t, sigilerr.IsInvalidInput(reg.Register("x", nil, nil)))
	assert.True(t, sigilerr.IsInvalidInput(reg.Register("x", nil, echoHandler(), tool.WithClass("slow"))))
}
