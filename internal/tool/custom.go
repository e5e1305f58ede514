// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CustomTool is a command-template tool declared in YAML.
type CustomTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Command     string         `yaml:"command"`
	Schema      map[string]any `yaml:"args"`
	Class       Class          `yaml:"class"`
	Sensitive   bool           `yaml:"sensitive"`
}

type customFile struct {
	Tools []CustomTool `yaml:"tools"`
}

// LoadCustomFile parses a custom tool file. A missing file yields no tools.
func LoadCustomFile(path string) ([]CustomTool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeToolCustomInvalid, "reading custom tools %s", path)
	}
	return ParseCustom(data)
}

// ParseCustom decodes and validates custom tool YAML.
func ParseCustom(data []byte) ([]CustomTool, error) {
	var f customFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, sigilerr.Wrap(err, sigilerr.CodeToolCustomInvalid, "parsing custom tools")
	}

	seen := make(map[string]struct{}, len(f.Tools))
	for i := range f.Tools {
		t := &f.Tools[i]
		if t.Name == "" {
			return nil, sigilerr.Errorf(sigilerr.CodeToolCustomInvalid, "tools[%d]: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, sigilerr.Errorf(sigilerr.CodeToolCustomInvalid, "tools[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		if strings.TrimSpace(t.Command) == "" {
			return nil, sigilerr.Errorf(sigilerr.CodeToolCustomInvalid, "tool %q: command is required", t.Name)
		}
		if _, err := parseCommand(t); err != nil {
			return nil, err
		}
		if t.Class == "" {
			t.Class = ClassStandard
		}
		if !t.Class.Valid() {
			return nil, sigilerr.Errorf(sigilerr.CodeToolCustomInvalid, "tool %q: unknown class %q", t.Name, t.Class)
		}
		if t.Schema != nil {
			if _, err := compileSchema(t.Schema); err != nil {
				return nil, sigilerr.Wrapf(err, sigilerr.CodeToolCustomInvalid, "tool %q: invalid args schema", t.Name)
			}
		}
	}
	return f.Tools, nil
}

func parseCommand(t *CustomTool) (*template.Template, error) {
	tmpl, err := template.New(t.Name).
		Option("missingkey=zero").
		Funcs(template.FuncMap{"quote": quoteArg, "raw": rawArg}).
		Parse(t.Command)
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeToolCustomInvalid, "tool %q: bad command template", t.Name)
	}
	return tmpl, nil
}

// shellQuote single-quotes v for sh.
func shellQuote(v any) string {
	s := fmt.Sprint(v)
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellArg is how a string-like argument reaches a command template: it
// prints shell-quoted. The raw function recovers the original value.
type shellArg struct {
	quoted string
	raw    any
}

func (a shellArg) String() string { return a.quoted }

// quoteArgs prepares args for a command template. Booleans and numbers
// cannot break out of a command line and stay usable in conditions.
func quoteArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch v.(type) {
		case nil, bool, int, int64, float64:
			out[k] = v
		default:
			out[k] = shellArg{quoted: shellQuote(v), raw: v}
		}
	}
	return out
}

func quoteArg(v any) string {
	if a, ok := v.(shellArg); ok {
		return a.quoted
	}
	return shellQuote(v)
}

func rawArg(v any) any {
	if a, ok := v.(shellArg); ok {
		return a.raw
	}
	return v
}

// ApplyCustom replaces every custom-source tool in reg with tools. Commands
// run under sh with root as working directory; string arguments are
// substituted shell-quoted unless the template asks for raw. A custom tool
// may not take the name of a tool from another source. On error reg is left
// unchanged.
func ApplyCustom(reg *Registry, tools []CustomTool, root string) error {
	tmpls := make([]*template.Template, len(tools))
	for i := range tools {
		t := &tools[i]
		if def, ok := reg.Lookup(t.Name); ok && def.Source != SourceCustom {
			return sigilerr.Errorf(sigilerr.CodeToolCustomInvalid,
				"custom tool %q collides with a %s tool", t.Name, def.Source)
		}
		tmpl, err := parseCommand(t)
		if err != nil {
			return err
		}
		tmpls[i] = tmpl
	}

	reg.UnregisterSource(SourceCustom)
	for i, t := range tools {
		tmpl := tmpls[i]
		opts := []Option{WithSource(SourceCustom), WithDescription(t.Description), WithClass(t.Class)}
		if t.Sensitive {
			opts = append(opts, WithSensitive())
		}
		if err := reg.Register(t.Name, t.Schema, commandHandler(tmpl, root), opts...); err != nil {
			return err
		}
	}
	return nil
}

func commandHandler(tmpl *template.Template, root string) HandlerFunc {
	return func(ctx context.Context, args map[string]any) (string, error) {
		var cmdline bytes.Buffer
		if err := tmpl.Execute(&cmdline, quoteArgs(args)); err != nil {
			return "", err
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline.String())
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if len(out) > maxOutputBytes {
			out = append(out[:maxOutputBytes], "\n[truncated]"...)
		}
		if err != nil {
			return "", fmt.Errorf("%w\n%s", err, out)
		}
		return string(out), nil
	}
}

// Watcher reloads a custom tool file into a registry whenever it changes.
type Watcher struct {
	path     string
	root     string
	registry *Registry
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. Nothing happens until Start.
func NewWatcher(path, root string, reg *Registry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		root:     root,
		registry: reg,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Reload loads the file and applies it.
func (w *Watcher) Reload() error {
	tools, err := LoadCustomFile(w.path)
	if err != nil {
		return err
	}
	if err := ApplyCustom(w.registry, tools, w.root); err != nil {
		return err
	}
	w.logger.Info("custom tools loaded", "path", w.path, "count", len(tools))
	return nil
}

// Start performs an initial load and watches the file's directory. Editors
// replace files by rename, so the directory is watched and events are
// filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Reload(); err != nil {
		w.logger.Warn("initial custom tool load failed", "path", w.path, "error", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = fw.Close()
		return err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(watchCtx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if err := w.Reload(); err != nil {
				w.logger.Warn("custom tool reload failed", "path", w.path, "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("custom tool watch error", "error", err)
		}
	}
}

// Close stops watching and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}
