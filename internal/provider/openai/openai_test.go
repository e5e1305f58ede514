// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package openai_test

import (
	"context"
	"testing"

	"github.com/sigil-dev/conductor/internal/provider"
	"github.com/sigil-dev/conductor/internal/provider/openai"
	"github.com/sigil-dev/conductor/internal/store"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, sigilerr.IsInvalidInput(err))
}

func TestOpenAIProvider_Status(t *testing.T) {
	p := mustNewProvider(t)
	assert.Equal(t, "openai", p.Name())

	status, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Available)
	require.NotNil(t, status.Health)
	assert.True(t, status.Health.Available)
}

func TestConvertMessages_SystemPromptAndToolCalls(t *testing.T) {
	msgs := []provider.Message{
		{Role: store.MessageRoleUser, Content: "hi"},
		{Role: store.MessageRoleAssistant, Content: "checking", ToolCalls: []provider.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: `{"path":"a"}`},
		}},
		{Role: store.MessageRoleTool, ToolCallID: "c1", Content: "data"},
		{Role: store.MessageRoleAssistant, Content: "done"},
	}

	out, err := openai.ConvertMessages(msgs, "be brief")
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.NotNil(t, out[0].OfSystem)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", out[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, out[3].OfTool)
}

func TestConvertMessages_UnknownRole(t *testing.T) {
	_, err := openai.ConvertMessages([]provider.Message{{Role: "robot"}}, "")
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeProviderRequestInvalid))
}

func TestBuildParams_Options(t *testing.T) {
	temp := float32(0.5)
	params, err := openai.BuildParams(provider.ChatRequest{
		Model:    "gpt-4.1",
		Messages: []provider.Message{{Role: store.MessageRoleUser, Content: "hi"}},
		Options:  provider.ChatOptions{Temperature: &temp, MaxTokens: 100, StopSequences: []string{"END"}},
		Tools:    []provider.ToolDefinition{{Name: "read_file", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), params.MaxCompletionTokens.Value)
	assert.InDelta(t, 0.5, params.Temperature.Value, 0.0001)
	assert.Equal(t, []string{"END"}, params.Stop.OfStringArray)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "read_file", params.Tools[0].Function.Name)
}

func mustNewProvider(t *testing.T) *openai.Provider {
	t.Helper()
	p, err := openai.New(openai.Config{APIKey: "test-key-not-real"})
	require.NoError(t, err)
	return p
}
