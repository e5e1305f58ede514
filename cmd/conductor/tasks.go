// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage tasks on a running daemon",
	}

	cmd.AddCommand(
		newTasksListCmd(),
		newTasksSpawnCmd(),
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var t task.Task
				if err := newControlClient(daemonAddress(cmd)).getJSON("/api/v1/tasks/"+url.PathEscape(args[0]), &t); err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), &t)
			},
		},
		&cobra.Command{
			Use:   "cancel <id>",
			Short: "Cancel a queued or running task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "task %s cancelled\n", args[0])
				return err
			},
		},
	)

	return cmd
}

func newTasksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if s, _ := cmd.Flags().GetString("type"); s != "" {
				typ, err := types.ParseTaskType(s)
				if err != nil {
					return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "invalid --type: %v", err)
				}
				q.Set("type", string(typ))
			}
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				q.Set("status", strings.ToLower(s))
			}
			if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
				q.Set("limit", strconv.Itoa(n))
			}

			path := "/api/v1/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp struct {
				Tasks []*task.Task `json:"tasks"`
			}
			if err := newControlClient(daemonAddress(cmd)).getJSON(path, &resp); err != nil {
				return err
			}
			return printTaskTable(cmd.OutOrStdout(), resp.Tasks)
		},
	}

	cmd.Flags().String("type", "", "filter by task type (request, agent-loop, background, recurring)")
	cmd.Flags().String("status", "", "filter by status")
	cmd.Flags().Int("limit", 0, "maximum number of tasks to show")
	return cmd
}

func newTasksSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn <prompt>",
		Short: "Queue a task without waiting for it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"prompt": strings.Join(args, " ")}
			if s, _ := cmd.Flags().GetString("type"); s != "" {
				typ, err := types.ParseTaskType(s)
				if err != nil {
					return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "invalid --type: %v", err)
				}
				body["type"] = string(typ)
			}
			if s, _ := cmd.Flags().GetString("model"); s != "" {
				body["model"] = s
			}
			if n, _ := cmd.Flags().GetInt("max-turns"); n > 0 {
				body["max_turns"] = n
			}

			var t task.Task
			if err := newControlClient(daemonAddress(cmd)).sendJSON(http.MethodPost, "/api/v1/tasks", body, &t); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "spawned %s task %s\n", t.Type, t.ID)
			return err
		},
	}

	cmd.Flags().String("type", "", "task type (defaults to background)")
	cmd.Flags().StringP("model", "m", "", "model override (provider/model)")
	cmd.Flags().Int("max-turns", 0, "turn limit for this task")
	return cmd
}

func printTaskTable(out io.Writer, tasks []*task.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(out, "No tasks.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tPROMPT")
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, t.Status, t.CreatedAt.Format("2006-01-02 15:04:05"), firstLine(t.Prompt, 48))
	}
	return w.Flush()
}

func printTask(out io.Writer, t *task.Task) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "id:\t%s\n", t.ID)
	_, _ = fmt.Fprintf(w, "type:\t%s\n", t.Type)
	_, _ = fmt.Fprintf(w, "status:\t%s\n", styleState(string(t.Status)))
	if t.ParentID != "" {
		_, _ = fmt.Fprintf(w, "parent:\t%s\n", t.ParentID)
	}
	if t.ConversationID != "" {
		_, _ = fmt.Fprintf(w, "conversation:\t%s\n", t.ConversationID)
	}
	_, _ = fmt.Fprintf(w, "created:\t%s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	_, _ = fmt.Fprintf(w, "prompt:\t%s\n", firstLine(t.Prompt, 120))
	if t.Result != "" {
		_, _ = fmt.Fprintf(w, "result:\t%s\n", t.Result)
	}
	if t.Error != "" {
		_, _ = fmt.Fprintf(w, "error:\t%s\n", t.Error)
	}
	return w.Flush()
}

// firstLine returns the first line of s, cut to n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
