// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider_test

import (
	"context"

	"github.com/sigil-dev/conductor/internal/provider"
)

// mockProvider is a scripted provider.Provider for router and stream tests.
type mockProvider struct {
	name      string
	available bool
	events    []provider.ChatEvent
	closed    bool
}

func newMockProvider(name string, available bool) *mockProvider {
	return &mockProvider{
		name:      name,
		available: available,
		events: []provider.ChatEvent{
			{Type: provider.EventTypeTextDelta, Text: "hello"},
			{Type: provider.EventTypeUsage, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
			{Type: provider.EventTypeDone},
		},
	}
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Available(context.Context) bool { return m.available }

func (m *mockProvider) Chat(context.Context, provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	ch := make(chan provider.ChatEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (m *mockProvider) Status(context.Context) (provider.ProviderStatus, error) {
	return provider.ProviderStatus{Available: m.available, Provider: m.name, Message: "ok"}, nil
}

func (m *mockProvider) Close() error {
	m.closed = true
	return nil
}
