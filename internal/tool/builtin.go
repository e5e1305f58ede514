// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

const (
	maxReadBytes   = 256 << 10
	maxOutputBytes = 64 << 10
)

// Builtins serves the file and shell tools confined to Root.
type Builtins struct {
	Root string
}

// Register adds the built-in tools to reg.
func (b *Builtins) Register(reg *Registry) error {
	pathSchema := func(extra map[string]any, required ...string) map[string]any {
		props := map[string]any{"path": map[string]any{"type": "string"}}
		for k, v := range extra {
			props[k] = v
		}
		schema := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}

	regs := []struct {
		name   string
		schema map[string]any
		h      HandlerFunc
		opts   []Option
	}{
		{"read_file", pathSchema(nil, "path"), b.readFile, []Option{
			WithDescription("Read a UTF-8 text file from the workspace."),
			WithClass(ClassInteractive),
		}},
		{"list_directory", pathSchema(nil), b.listDirectory, []Option{
			WithDescription("List the entries of a workspace directory."),
			WithClass(ClassInteractive),
		}},
		{"write_file", pathSchema(map[string]any{"content": map[string]any{"type": "string"}}, "path", "content"), b.writeFile, []Option{
			WithDescription("Create or overwrite a file in the workspace."),
			WithSensitive(),
		}},
		{"run_command", map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string", "minLength": 1}},
			"required":   []string{"command"},
		}, b.runCommand, []Option{
			WithDescription("Run a shell command with the workspace as working directory."),
			WithClass(ClassLongRunning),
			WithSensitive(),
		}},
	}

	for _, r := range regs {
		opts := append([]Option{WithSource(SourceBuiltin)}, r.opts...)
		if err := reg.Register(r.name, r.schema, r.h, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) resolve(args map[string]any) (string, error) {
	p, _ := args["path"].(string)
	if p == "" {
		p = "."
	}
	return ResolvePath(p, b.Root)
}

func (b *Builtins) readFile(_ context.Context, args map[string]any) (string, error) {
	path, err := b.resolve(args)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (b *Builtins) listDirectory(_ context.Context, args map[string]any) (string, error) {
	path, err := b.resolve(args)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (b *Builtins) writeFile(_ context.Context, args map[string]any) (string, error) {
	path, err := b.resolve(args)
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|openNoFollow, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), args["path"]), nil
}

func (b *Builtins) runCommand(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", sigilerr.New(sigilerr.CodeToolArgsInvalid, "command is empty", sigilerr.FieldTool("run_command"))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = b.Root
	out, err := cmd.CombinedOutput()
	text := string(out)
	if len(text) > maxOutputBytes {
		text = text[:maxOutputBytes] + "\n[truncated]"
	}
	if err != nil {
		return "", fmt.Errorf("%w\n%s", err, text)
	}
	return text, nil
}
