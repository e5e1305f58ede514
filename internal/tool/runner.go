// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/redact"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindUnknownTool ErrorKind = "unknown_tool"
	KindInvalidArgs ErrorKind = "invalid_args"
	KindDenied      ErrorKind = "denied"
	KindTimeout     ErrorKind = "timeout"
	KindCancelled   ErrorKind = "cancelled"
	KindRuntime     ErrorKind = "runtime"
)

var kindCodes = map[ErrorKind]sigilerr.Code{
	KindUnknownTool: sigilerr.CodeToolRegistryNotFound,
	KindInvalidArgs: sigilerr.CodeToolArgsInvalid,
	KindDenied:      sigilerr.CodeToolSecurityDenied,
	KindTimeout:     sigilerr.CodeToolCallTimeout,
	KindCancelled:   sigilerr.CodeToolCallCancelled,
	KindRuntime:     sigilerr.CodeToolCallFailure,
}

// ToolError is a normalized tool failure carried inside a Result.
type ToolError struct {
	Tool    string    `json:"tool"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

// Err converts e to a coded error.
func (e *ToolError) Err() error {
	if e == nil {
		return nil
	}
	return sigilerr.New(kindCodes[e.Kind], e.Error(), sigilerr.FieldTool(e.Tool))
}

// Result is the outcome of one call. Exactly one of Content or Err is
// meaningful.
type Result struct {
	Tool     string        `json:"tool"`
	Content  string        `json:"content,omitempty"`
	// Redacted names the credential rules that masked parts of Content.
	Redacted []string      `json:"redacted,omitempty"`
	DryRun   bool          `json:"dry_run,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      *ToolError    `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r *Result) OK() bool { return r.Err == nil }

// Text renders the result for a model transcript.
func (r *Result) Text() string {
	if r.Err != nil {
		return "error: " + r.Err.Error()
	}
	return r.Content
}

// ExecOptions tune a single call. A zero Timeout uses the configured one.
type ExecOptions struct {
	Timeout time.Duration
	DryRun  bool
}

// Timeouts holds the per-class defaults.
type Timeouts struct {
	Interactive time.Duration
	Standard    time.Duration
	LongRunning time.Duration
}

// DefaultTimeouts are used for classes left unset.
var DefaultTimeouts = Timeouts{
	Interactive: 30 * time.Second,
	Standard:    2 * time.Minute,
	LongRunning: 10 * time.Minute,
}

func (t Timeouts) forClass(c Class) time.Duration {
	var d time.Duration
	switch c {
	case ClassInteractive:
		d = t.Interactive
		if d <= 0 {
			d = DefaultTimeouts.Interactive
		}
	case ClassLongRunning:
		d = t.LongRunning
		if d <= 0 {
			d = DefaultTimeouts.LongRunning
		}
	default:
		d = t.Standard
		if d <= 0 {
			d = DefaultTimeouts.Standard
		}
	}
	return d
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithTimeouts(t Timeouts) RunnerOption {
	return func(r *Runner) { r.timeouts = t }
}

// WithPerToolTimeouts overrides the class default for named tools.
func WithPerToolTimeouts(m map[string]time.Duration) RunnerOption {
	return func(r *Runner) {
		r.perTool = make(map[string]time.Duration, len(m))
		for k, v := range m {
			r.perTool[k] = v
		}
	}
}

func WithRunnerBus(b *events.Bus) RunnerOption {
	return func(r *Runner) { r.bus = b }
}

func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRedactor masks credentials in successful tool output.
func WithRedactor(rd *redact.Redactor) RunnerOption {
	return func(r *Runner) { r.redactor = rd }
}

func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner executes single tool calls. It never returns an error: every
// outcome is a *Result so the calling stage decides what is fatal.
type Runner struct {
	registry *Registry
	security *Security
	timeouts Timeouts
	perTool  map[string]time.Duration
	bus      *events.Bus
	metrics  *Metrics
	redactor *redact.Redactor
	logger   *slog.Logger
}

func NewRunner(reg *Registry, sec *Security, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: reg,
		security: sec,
		timeouts: DefaultTimeouts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.security == nil {
		r.security = NewSecurity()
	}
	return r
}

// TimeoutFor returns the effective timeout for def: per-tool entry, then
// class default.
func (r *Runner) TimeoutFor(def Definition) time.Duration {
	if d, ok := r.perTool[def.Name]; ok && d > 0 {
		return d
	}
	return r.timeouts.forClass(def.Class)
}

// ExecuteJSON decodes rawArgs (a JSON object, or empty) and calls Execute.
func (r *Runner) ExecuteJSON(ctx context.Context, name, rawArgs string, opts ExecOptions) *Result {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return r.fail(name, KindInvalidArgs, "arguments are not a JSON object: "+err.Error(), 0)
		}
	}
	return r.Execute(ctx, name, args, opts)
}

// Execute runs one call: resolve, validate, dry-run short circuit,
// confirmation for sensitive tools, then the handler under a timeout race.
// A timed-out handler is left running detached.
func (r *Runner) Execute(ctx context.Context, name string, args map[string]any, opts ExecOptions) *Result {
	start := time.Now()
	if args == nil {
		args = map[string]any{}
	}

	def, ok := r.registry.Lookup(name)
	if !ok {
		return r.fail(name, KindUnknownTool, "no tool registered under this name", time.Since(start))
	}

	if err := validateArgs(def.Schema, args); err != nil {
		return r.fail(name, KindInvalidArgs, err.Error(), time.Since(start))
	}

	if opts.DryRun {
		encoded, _ := json.Marshal(args)
		res := &Result{Tool: name, DryRun: true, Content: fmt.Sprintf("would call %s(%s)", name, encoded)}
		r.metrics.observe(name, "dry_run", time.Since(start))
		return res
	}

	if err := ctx.Err(); err != nil {
		return r.fail(name, KindCancelled, err.Error(), time.Since(start))
	}

	if def.Sensitive || r.security.IsSensitive(name) {
		if res := r.confirm(ctx, name, args, start); res != nil {
			return res
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.TimeoutFor(def)
	}
	return r.invoke(ctx, def, args, timeout, start)
}

// confirm blocks on a human decision. It returns a non-nil Result only
// when the call must not proceed.
func (r *Runner) confirm(ctx context.Context, name string, args map[string]any, start time.Time) *Result {
	c, needed := r.security.RequestConfirmation(ctx, name, args)
	if !needed {
		return nil
	}

	r.logger.Info("tool call awaiting confirmation", "tool", name, "confirmation_id", c.ID)
	events.EmitTyped(r.bus, events.TopicConfirmationRequested, events.ConfirmationRequested{
		ID: c.ID, Tool: name, Args: args,
	})

	status, err := r.security.AwaitConfirmation(ctx, c.ID)
	if err != nil {
		return r.fail(name, KindCancelled, "cancelled while awaiting confirmation", time.Since(start))
	}
	if !status.Approved() {
		return r.fail(name, KindDenied, "call denied by user", time.Since(start))
	}
	return nil
}

type invokeResult struct {
	content string
	err     error
}

func (r *Runner) invoke(ctx context.Context, def Definition, args map[string]any, timeout time.Duration, start time.Time) *Result {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		content, err := def.Handler.Invoke(ctx, args)
		done <- invokeResult{content: content, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return r.fail(def.Name, KindCancelled, res.err.Error(), time.Since(start))
			}
			kind := KindRuntime
			if sigilerr.IsUnauthorized(res.err) {
				kind = KindDenied
			}
			r.logger.Warn("tool call failed", "tool", def.Name, "kind", kind, "error", res.err)
			return r.fail(def.Name, kind, res.err.Error(), time.Since(start))
		}
		d := time.Since(start)
		r.metrics.observe(def.Name, "ok", d)
		r.logger.Debug("tool call completed", "tool", def.Name, "duration", d)
		content, rules := r.redactor.Redact(res.content)
		if len(rules) > 0 {
			r.logger.Warn("credentials masked in tool output", "tool", def.Name, "rules", rules)
		}
		return &Result{Tool: def.Name, Content: content, Redacted: rules, Duration: d}
	case <-timer.C:
		r.logger.Warn("tool call timed out", "tool", def.Name, "timeout", timeout)
		return r.fail(def.Name, KindTimeout, fmt.Sprintf("did not complete within %s", timeout), time.Since(start))
	case <-ctx.Done():
		return r.fail(def.Name, KindCancelled, ctx.Err().Error(), time.Since(start))
	}
}

func (r *Runner) fail(name string, kind ErrorKind, msg string, d time.Duration) *Result {
	r.metrics.observe(name, string(kind), d)
	return &Result{
		Tool:     name,
		Duration: d,
		Err:      &ToolError{Tool: name, Kind: kind, Message: msg},
	}
}
