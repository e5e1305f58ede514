// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets

import (
	"log/slog"
	"strings"

	"github.com/sigil-dev/conductor/internal/config"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

const keyringScheme = "keyring://"

// IsKeyringURI reports whether value uses the keyring:// scheme.
func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseKeyringURI splits keyring://service/key. The key may contain slashes.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !IsKeyringURI(uri) {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput, "not a keyring URI: %q", uri)
	}

	service, key, ok := strings.Cut(strings.TrimPrefix(uri, keyringScheme), "/")
	if !ok || service == "" || key == "" {
		return "", "", sigilerr.Errorf(sigilerr.CodeSecretInvalidInput,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// Resolve returns value unchanged unless it is a keyring URI, in which case
// the referenced secret is fetched from store.
func Resolve(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}

	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}

	secret, err := store.Get(service, key)
	if err != nil {
		return "", sigilerr.Wrapf(err, sigilerr.CodeSecretResolveFailure, "resolving keyring URI %q", value)
	}
	return secret, nil
}

// ResolveProviders replaces keyring references in every provider's api_key
// and endpoint. A failed lookup is logged and the provider's key is cleared,
// so the provider is skipped at wiring time instead of being sent a URI.
func ResolveProviders(cfg *config.Config, store Store) int {
	failed := 0
	for name, p := range cfg.Providers {
		key, err := Resolve(store, p.APIKey)
		if err != nil {
			slog.Warn("provider api key unresolved", "provider", name, "error", err)
			key = ""
			failed++
		}
		endpoint, err := Resolve(store, p.Endpoint)
		if err != nil {
			slog.Warn("provider endpoint unresolved", "provider", name, "error", err)
			endpoint = ""
			failed++
		}
		p.APIKey, p.Endpoint = key, endpoint
		cfg.Providers[name] = p
	}
	return failed
}
