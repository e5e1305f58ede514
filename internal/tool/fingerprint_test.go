// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool_test

import (
	"testing"

	"github.com/sigil-dev/conductor/internal/tool"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint_ShapeNotValues(t *testing.T) {
	a := tool.Fingerprint("write_file", map[string]any{"path": "a.txt", "content": "x"})
	b := tool.Fingerprint("write_file", map[string]any{"content": "something else", "path": "b/c.txt"})
	assert.Equal(t, a, b)
}

func TestFingerprint_Differs(t *testing.T) {
	base := tool.Fingerprint("write_file", map[string]any{"path": "a", "content": "x"})

	tests := map[string]string{
		"tool name":   tool.Fingerprint("read_file", map[string]any{"path": "a", "content": "x"}),
		"extra key":   tool.Fingerprint("write_file", map[string]any{"path": "a", "content": "x", "mode": "a"}),
		"value kind":  tool.Fingerprint("write_file", map[string]any{"path": "a", "content": 3.0}),
		"nested kind": tool.Fingerprint("write_file", map[string]any{"path": "a", "content": map[string]any{"x": true}}),
	}
	for name, fp := range tests {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, base, fp)
		})
	}
}

func TestFingerprint_ArraysByElementKinds(t *testing.T) {
	a := tool.Fingerprint("t", map[string]any{"xs": []any{"a", "b"}})
	b := tool.Fingerprint("t", map[string]any{"xs": []any{"c"}})
	c := tool.Fingerprint("t", map[string]any{"xs": []any{1.0}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
