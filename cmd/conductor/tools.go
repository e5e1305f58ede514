// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sigil-dev/conductor/internal/config"
	"github.com/sigil-dev/conductor/internal/tool"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools available to the agent",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and custom tools from the local configuration",
		Long:  "Builds the tool registry from configuration without contacting a daemon. ask_human is registered by the daemon at startup and is not listed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, err := buildToolRegistry(cfg)
			if err != nil {
				return err
			}
			sec := tool.NewSecurity()
			sec.MarkSensitive(cfg.Tools.Sensitive...)
			return printTools(cmd.OutOrStdout(), reg.List(), sec)
		},
	})

	return cmd
}

// buildToolRegistry registers the built-in tools and, when configured, the
// custom tool file.
func buildToolRegistry(cfg *config.Config) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	builtins := &tool.Builtins{Root: cfg.Workspace.Root}
	if err := builtins.Register(reg); err != nil {
		return nil, err
	}
	if cfg.Tools.CustomFile == "" {
		return reg, nil
	}
	custom, err := tool.LoadCustomFile(cfg.Tools.CustomFile)
	if err != nil {
		return nil, err
	}
	if err := tool.ApplyCustom(reg, custom, cfg.Workspace.Root); err != nil {
		return nil, err
	}
	return reg, nil
}

func printTools(out io.Writer, defs []tool.Definition, sec *tool.Security) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSOURCE\tCLASS\tSENSITIVE\tDESCRIPTION")
	for _, d := range defs {
		sensitive := d.Sensitive || sec.IsSensitive(d.Name)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.Name, d.Source, d.Class, sensitive, firstLine(d.Description, 60))
	}
	return w.Flush()
}
