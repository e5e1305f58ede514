// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

const (
	// GroupOtherRead flags files whose contents (tokens) other users can read.
	GroupOtherRead fs.FileMode = 0o044
	// GroupOtherWrite flags files other users could rewrite, such as a
	// custom tool file whose commands get executed.
	GroupOtherWrite fs.FileMode = 0o022
)

// CheckPermissions reports whether path has any of the bits in mask set.
// Missing files and an empty path are reported as secure.
func CheckPermissions(path string, mask fs.FileMode) (fs.FileMode, bool) {
	if path == "" {
		return 0, true
	}

	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("could not stat file for permission check", "path", path, "error", err)
		return 0, true
	}

	mode := info.Mode()
	return mode, mode.Perm()&mask == 0
}

// WarnInsecurePermissions logs a warning when path has any of the bits in
// mask set. It never fails startup.
func WarnInsecurePermissions(path string, mask fs.FileMode) {
	mode, ok := CheckPermissions(path, mask)
	if ok {
		return
	}
	slog.Warn("file has insecure permissions",
		"path", path,
		"mode", mode,
		"recommended", "0600",
	)
}
