// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package secrets resolves keyring:// references in configuration so
// provider credentials never have to live in plain text on disk.
package secrets

// Store reads and writes secrets addressed by service and key.
type Store interface {
	Set(service, key, value string) error
	// Get returns a CodeSecretNotFound error when nothing is stored.
	Get(service, key string) (string, error)
}
