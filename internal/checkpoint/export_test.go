// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package checkpoint

// Seal sets cp's checksum so tests can forge write-ahead log entries.
func Seal(cp *Checkpoint) error { return cp.seal() }
