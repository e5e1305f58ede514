// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package tool

import "golang.org/x/sys/unix"

// openNoFollow makes write_file fail on a final path component that is a
// symbolic link.
const openNoFollow = unix.O_NOFOLLOW
