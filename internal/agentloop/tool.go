// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agentloop

import (
	"context"

	"github.com/sigil-dev/conductor/internal/tool"
)

// AskHumanTool is the name of the tool that routes a question to a human.
const AskHumanTool = "ask_human"

// RegisterAskHuman binds the ask_human tool to c.AskQuestion. The calling
// task is taken from the tool call context.
func RegisterAskHuman(reg *tool.Registry, c *Controller) error {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question for the human operator",
			},
		},
		"required":             []any{"question"},
		"additionalProperties": false,
	}

	return reg.Register(AskHumanTool, schema, tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
		q, _ := args["question"].(string)
		info, _ := tool.CallInfoFrom(ctx)
		return c.AskQuestion(ctx, info.TaskID, q)
	}),
		tool.WithDescription("Ask the human operator a question and wait for the answer. Use only when you cannot proceed without their input."),
		tool.WithClass(tool.ClassLongRunning),
	)
}
