// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPermissions(t *testing.T) {
	tests := []struct {
		name   string
		perm   os.FileMode
		mask   os.FileMode
		secure bool
	}{
		{"0600 read mask", 0o600, GroupOtherRead, true},
		{"0644 read mask", 0o644, GroupOtherRead, false},
		{"0604 read mask", 0o604, GroupOtherRead, false},
		{"0644 write mask", 0o644, GroupOtherWrite, true},
		{"0664 write mask", 0o664, GroupOtherWrite, false},
		{"0602 write mask", 0o602, GroupOtherWrite, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "file.yaml")
			require.NoError(t, os.WriteFile(path, []byte("x: 1\n"), 0o600))
			require.NoError(t, os.Chmod(path, tt.perm))

			_, ok := CheckPermissions(path, tt.mask)
			assert.Equal(t, tt.secure, ok)
		})
	}
}

func TestCheckPermissions_MissingOrEmptyPath(t *testing.T) {
	_, ok := CheckPermissions("", GroupOtherRead)
	assert.True(t, ok)

	_, ok = CheckPermissions(filepath.Join(t.TempDir(), "missing.yaml"), GroupOtherRead)
	assert.True(t, ok)
}
