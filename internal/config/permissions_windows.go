// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package config

import (
	"io/fs"
	"log/slog"
)

const (
	GroupOtherRead  fs.FileMode = 0o044
	GroupOtherWrite fs.FileMode = 0o022
)

// CheckPermissions always reports secure on Windows, which uses ACLs
// rather than mode bits.
func CheckPermissions(path string, _ fs.FileMode) (fs.FileMode, bool) {
	return 0, true
}

// WarnInsecurePermissions is a no-op on Windows.
func WarnInsecurePermissions(path string, _ fs.FileMode) {
	if path != "" {
		slog.Debug("permission check not implemented on Windows", "path", path)
	}
}
