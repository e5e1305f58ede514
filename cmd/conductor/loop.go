// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/conductor/internal/server"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Control the autonomous agent loop",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the agent loop state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var st server.LoopStatus
				if err := newControlClient(daemonAddress(cmd)).getJSON("/api/v1/loop", &st); err != nil {
					return err
				}
				return printLoopStatus(cmd.OutOrStdout(), st)
			},
		},
		newLoopPlayCmd(),
		loopActionCmd("pause", "Pause the loop, keeping its invocation counter"),
		loopActionCmd("resume", "Resume a paused loop"),
		loopActionCmd("stop", "Stop the loop and reset its invocation counter"),
		&cobra.Command{
			Use:   "interval <duration>",
			Short: "Change the tick interval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := time.ParseDuration(args[0]); err != nil {
					return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "invalid duration %q: %w", args[0], err)
				}
				var st server.LoopStatus
				body := map[string]string{"interval": args[0]}
				if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPut, "/api/v1/loop/interval", body, &st); err != nil {
					return err
				}
				return printLoopStatus(cmd.OutOrStdout(), st)
			},
		},
	)

	return cmd
}

func newLoopPlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Start the loop, or resume it when paused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body any
			if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
				body = map[string]string{"interval": d.String()}
			}
			var st server.LoopStatus
			if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPost, "/api/v1/loop/play", body, &st); err != nil {
				return err
			}
			return printLoopStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().Duration("interval", 0, "interval override for this run")
	return cmd
}

func loopActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st server.LoopStatus
			if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPost, "/api/v1/loop/"+action, nil, &st); err != nil {
				return err
			}
			return printLoopStatus(cmd.OutOrStdout(), st)
		},
	}
}

func printLoopStatus(w io.Writer, st server.LoopStatus) error {
	_, err := fmt.Fprintf(w, "state: %s\ninterval: %s\ninvocation: %d\nforeground busy: %t\npending questions: %d\n",
		styleState(st.State), st.Interval, st.Invocation, st.ForegroundBusy, st.PendingQuestions)
	if err == nil && st.InFlightTaskID != "" {
		_, err = fmt.Fprintf(w, "in flight: %s\n", st.InFlightTaskID)
	}
	return err
}
