// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and manage crash-recovery checkpoints",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored checkpoints (daemon must be stopped)",
			Args:  cobra.NoArgs,
			RunE:  runCheckpointsList,
		},
		newCheckpointsPruneCmd(),
		&cobra.Command{
			Use:   "pending",
			Short: "List interrupted requests awaiting a resume decision",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var resp struct {
					Decisions []checkpoint.PendingDecision `json:"decisions"`
				}
				if err := newControlClient(daemonAddress(cmd)).getJSON("/api/v1/checkpoints/pending", &resp); err != nil {
					return err
				}
				return printPendingDecisions(cmd.OutOrStdout(), resp.Decisions)
			},
		},
		&cobra.Command{
			Use:   "resume <task-id>",
			Short: "Resume an interrupted request from its checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var t task.Task
				path := "/api/v1/checkpoints/" + url.PathEscape(args[0]) + "/resume"
				if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPost, path, nil, &t); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "resumed %s as task %s\n", args[0], t.ID)
				return err
			},
		},
		&cobra.Command{
			Use:   "discard <task-id>",
			Short: "Drop an interrupted request and its checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/api/v1/checkpoints/" + url.PathEscape(args[0]) + "/discard"
				if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPost, path, nil, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
				return err
			},
		},
	)

	return cmd
}

func newCheckpointsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete checkpoints older than a retention window (daemon must be stopped)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return sigilerr.New(sigilerr.CodeCLIInputInvalid, "--older-than must be positive")
			}
			st, err := openCheckpointStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			n, err := st.Prune(olderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoint(s)\n", n)
			return err
		},
	}
	cmd.Flags().Duration("older-than", 7*24*time.Hour, "remove checkpoints created before this age")
	return cmd
}

func runCheckpointsList(cmd *cobra.Command, _ []string) error {
	st, err := openCheckpointStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	entries := st.Manifest()
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No checkpoints.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tTYPE\tSEQ\tCREATED\tRESUME")
	for _, e := range entries {
		resume := "ask"
		if e.Type.AutoResume() {
			resume = "auto"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.TaskID, e.Type, e.Seq, e.CreatedAt.Format("2006-01-02 15:04:05"), resume)
	}
	return w.Flush()
}

// openCheckpointStore opens the configured checkpoint directory. A running
// daemon holds the directory lock, which surfaces as a hint to use the API.
func openCheckpointStore() (*checkpoint.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, _, err := checkpoint.Open(cfg.Checkpoint.Dir, checkpoint.WithStoreLogger(quiet))
	if err != nil {
		if sigilerr.HasCode(err, sigilerr.CodeCheckpointLockConflict) {
			// Formatted, not wrapped: the innermost code of a chain wins.
			return nil, sigilerr.Errorf(sigilerr.CodeCLIInputInvalid,
				"checkpoints are held by a running daemon; use 'conductor checkpoints pending' instead: %v", err)
		}
		return nil, err
	}
	return st, nil
}

func printPendingDecisions(out io.Writer, decisions []checkpoint.PendingDecision) error {
	if len(decisions) == 0 {
		_, err := fmt.Fprintln(out, "No interrupted requests.")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tTURN\tCREATED\tPROMPT")
	for _, d := range decisions {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			d.TaskID, d.Turn, d.CreatedAt.Format("2006-01-02 15:04:05"), firstLine(d.Prompt, 60))
	}
	return w.Flush()
}
