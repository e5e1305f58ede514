// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send a request to the agent and wait for the answer",
		Long:  "Runs the message as a request task on a running daemon. The agent loop is held back while the request runs.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}

	cmd.Flags().StringP("model", "m", "", "model override (provider/model)")
	cmd.Flags().String("conversation", "", "conversation to append to")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	model, _ := cmd.Flags().GetString("model")
	conv, _ := cmd.Flags().GetString("conversation")

	req := map[string]string{"message": strings.Join(args, " ")}
	if model != "" {
		req["model"] = model
	}
	if conv != "" {
		req["conversation_id"] = conv
	}

	var resp struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	client := newControlClient(daemonAddress(cmd)).withoutTimeout()
	if err := client.sendJSON("POST", "/api/v1/chat", req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "task %s %s: %s", resp.TaskID, resp.Status, resp.Error)
	}

	_, err := fmt.Fprintln(cmd.OutOrStdout(), resp.Response)
	return err
}
