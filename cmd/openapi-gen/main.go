// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/server"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec builds a server over idle components and extracts the
// OpenAPI document huma derives from the route types. No task ever runs.
func generateSpec() ([]byte, error) {
	tasks := task.NewManager(func(context.Context, *task.Task, task.Spec) (string, error) {
		return "", errors.New("spec generation does not run tasks")
	})
	defer func() { _ = tasks.Close() }()

	loop, err := agentloop.New(tasks, agentloop.Config{})
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating agent loop")
	}
	defer func() { _ = loop.Close() }()

	recovery := checkpoint.NewManager(nil, tasks, checkpoint.Config{})

	svc, err := server.NewServices(loop, tasks, tool.NewSecurity(), recovery)
	if err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating services")
	}

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, svc)
	if err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating server: %w", err)
	}
	defer func() { _ = srv.Close() }()

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}
