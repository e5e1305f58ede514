// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package tool

// openNoFollow is unsupported on Windows; ResolvePath alone confines writes.
const openNoFollow = 0
