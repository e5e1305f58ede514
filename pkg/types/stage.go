// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package types

// StageName identifies a stage in the request pipeline.
type StageName string

const (
	// StageValidate checks the input before any model call.
	StageValidate StageName = "validate"
	// StageTriage answers trivial inputs without entering the tool loop.
	StageTriage StageName = "triage"
	// StageAgentLoop runs the bounded model and tool loop.
	StageAgentLoop StageName = "agent_loop"
	// StageFinalize persists and publishes the final response.
	StageFinalize StageName = "finalize"
)

// Valid reports whether the stage is one of the standard pipeline stages.
func (s StageName) Valid() bool {
	switch s {
	case StageValidate, StageTriage, StageAgentLoop, StageFinalize:
		return true
	default:
		return false
	}
}
