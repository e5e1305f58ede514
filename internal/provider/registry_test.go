// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider_test

import (
	"context"
	"testing"

	"github.com/sigil-dev/conductor/internal/provider"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RouteDefault(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("anthropic", newMockProvider("anthropic", true))
	require.NoError(t, reg.SetDefault("anthropic/claude-sonnet-4-5"))

	p, model, err := reg.Route(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-sonnet-4-5", model)

	p, _, err = reg.Route(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestRegistry_RouteExplicit(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("anthropic", newMockProvider("anthropic", true))
	reg.Register("openai", newMockProvider("openai", true))
	require.NoError(t, reg.SetDefault("anthropic/claude-sonnet-4-5"))

	p, model, err := reg.Route(context.Background(), "openai/gpt-4.1")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4.1", model)
}

func TestRegistry_RouteFailover(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("anthropic", newMockProvider("anthropic", false))
	reg.Register("openai", newMockProvider("openai", true))
	require.NoError(t, reg.SetDefault("anthropic/claude-sonnet-4-5"))
	require.NoError(t, reg.SetFailover([]string{"openai/gpt-4.1"}))

	p, model, err := reg.Route(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4.1", model)
}

func TestRegistry_RouteErrors(t *testing.T) {
	reg := provider.NewRegistry()

	_, _, err := reg.Route(context.Background(), "")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderNoDefault))

	_, _, err = reg.Route(context.Background(), "bare-model")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderInvalidModelRef))

	reg.Register("anthropic", newMockProvider("anthropic", false))
	_, _, err = reg.Route(context.Background(), "anthropic/claude")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderAllUnavailable))
}

func TestRegistry_SetDefaultRejectsUnknownProvider(t *testing.T) {
	reg := provider.NewRegistry()
	err := reg.SetDefault("missing/model")
	require.Error(t, err)
	assert.True(t, sigilerr.IsNotFound(err))

	reg.Register("openai", newMockProvider("openai", true))
	err = reg.SetFailover([]string{"openai"})
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderInvalidModelRef))
}

func TestRegistry_GetAndNames(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register("openai", newMockProvider("openai", true))
	reg.Register("anthropic", newMockProvider("anthropic", true))

	assert.Equal(t, []string{"anthropic", "openai"}, reg.Names())
	_, err := reg.Get("google")
	assert.True(t, sigilerr.IsNotFound(err))

	statuses := reg.Statuses(context.Background())
	assert.True(t, statuses["openai"].Available)
}

func TestRegistry_CloseClosesProviders(t *testing.T) {
	reg := provider.NewRegistry()
	p := newMockProvider("openai", true)
	reg.Register("openai", p)
	require.NoError(t, reg.Close())
	assert.True(t, p.closed)
}
