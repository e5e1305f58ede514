// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package secrets_test

import (
	"testing"

	"github.com/sigil-dev/conductor/internal/config"
	"github.com/sigil-dev/conductor/internal/secrets"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func init() {
	// Never touch the real OS keyring from tests.
	keyring.MockInit()
}

func TestKeyringStore_SetAndGet(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Set("conductor-test", "anthropic", "sk-123"))

	val, err := ks.Get("conductor-test", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", val)
}

func TestKeyringStore_GetNotFound(t *testing.T) {
	_, err := secrets.NewKeyringStore().Get("conductor-missing", "nothing")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeSecretNotFound))
	assert.True(t, sigilerr.IsNotFound(err))
}

func TestKeyringStore_EmptyAddress(t *testing.T) {
	ks := secrets.NewKeyringStore()
	assert.True(t, sigilerr.IsInvalidInput(ks.Set("", "k", "v")))
	_, err := ks.Get("svc", "")
	assert.True(t, sigilerr.IsInvalidInput(err))
}

func TestParseKeyringURI(t *testing.T) {
	tests := []struct {
		name        string
		uri         string
		wantService string
		wantKey     string
		wantErr     bool
	}{
		{"valid", "keyring://conductor/api-key", "conductor", "api-key", false},
		{"slashes in key", "keyring://conductor/path/to/key", "conductor", "path/to/key", false},
		{"other scheme", "vault://secret/key", "", "", true},
		{"missing key", "keyring://conductor", "", "", true},
		{"empty service", "keyring:///key", "", "", true},
		{"just scheme", "keyring://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, key, err := secrets.ParseKeyringURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantService, svc)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestResolve_PassesThroughLiterals(t *testing.T) {
	got, err := secrets.Resolve(secrets.NewKeyringStore(), "sk-literal")
	require.NoError(t, err)
	assert.Equal(t, "sk-literal", got)
}

func TestResolveProviders(t *testing.T) {
	ks := secrets.NewKeyringStore()
	require.NoError(t, ks.Set("conductor-resolve", "openai", "sk-openai"))

	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"openai":    {APIKey: "keyring://conductor-resolve/openai"},
		"anthropic": {APIKey: "keyring://conductor-resolve/missing"},
		"local":     {APIKey: "plain", Endpoint: "http://localhost:8080"},
	}}

	failed := secrets.ResolveProviders(cfg, ks)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "sk-openai", cfg.Providers["openai"].APIKey)
	assert.Empty(t, cfg.Providers["anthropic"].APIKey)
	assert.Equal(t, "plain", cfg.Providers["local"].APIKey)
	assert.Equal(t, "http://localhost:8080", cfg.Providers["local"].Endpoint)
}
