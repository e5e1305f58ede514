// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import "github.com/charmbracelet/lipgloss"

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// styleState colours agent loop states and task statuses. Unknown values
// are returned unchanged.
func styleState(s string) string {
	switch s {
	case "playing", "running", "completed":
		return okStyle.Render(s)
	case "paused", "queued":
		return warnStyle.Render(s)
	case "failed", "cancelled":
		return errStyle.Render(s)
	case "stopped":
		return dimStyle.Render(s)
	default:
		return s
	}
}
