// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/config"
	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/pipeline"
	"github.com/sigil-dev/conductor/internal/provider"
	"github.com/sigil-dev/conductor/internal/redact"
	anthropicprov "github.com/sigil-dev/conductor/internal/provider/anthropic"
	openaiprov "github.com/sigil-dev/conductor/internal/provider/openai"
	"github.com/sigil-dev/conductor/internal/secrets"
	"github.com/sigil-dev/conductor/internal/server"
	"github.com/sigil-dev/conductor/internal/services"
	"github.com/sigil-dev/conductor/internal/store"
	_ "github.com/sigil-dev/conductor/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/internal/tool"
	"github.com/sigil-dev/conductor/internal/tracing"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

// Runtime holds all wired subsystems and manages their lifecycle.
type Runtime struct {
	Config      *config.Config
	Bus         *events.Bus
	Store       store.Store
	Providers   *provider.Registry
	Tools       *tool.Registry
	Security    *tool.Security
	Runner      *tool.Runner
	Pipeline    *pipeline.Pipeline
	Services    *services.Locator
	Tasks       *task.Manager
	Loop        *agentloop.Controller
	Checkpoints *checkpoint.Manager
	Recurring   *task.RecurringScheduler
	Server      *server.Server
	Registry    *prometheus.Registry

	checkpointStore *checkpoint.Store
	stopTracing     tracing.ShutdownFunc
	watcher         *tool.Watcher
	foreground      *foregroundTracker
	logger          *slog.Logger
}

// WireRuntime creates all subsystems and wires them together. Nothing runs
// until Start.
func WireRuntime(cfg *config.Config, logger *slog.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ResolveDirs(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	rt = &Runtime{
		Config:   cfg,
		Bus:      events.New(),
		Services: services.New(),
		Registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1. Persistent store (audit log, task records, history).
	rt.Store, err = store.Open(cfg.Storage.Backend, cfg.DataDir)
	if err != nil {
		return rt, sigilerr.Errorf(sigilerr.CodeCLISetupFailure, "opening store: %w", err)
	}

	// 2. Providers, with keyring:// credentials resolved first.
	if n := secrets.ResolveProviders(cfg, secrets.NewKeyringStore()); n > 0 {
		logger.Warn("some provider secrets could not be resolved", "count", n)
	}
	rt.Providers = provider.NewRegistry()
	registerBuiltinProviders(cfg, rt.Providers, logger)
	// An unconfigured default provider leaves the control API usable;
	// requests fail at routing until a key is supplied.
	if cfg.Models.Default != "" {
		if err = rt.Providers.SetDefault(cfg.Models.Default); err != nil {
			if !sigilerr.HasCode(err, sigilerr.CodeProviderNotFound) {
				return rt, sigilerr.Wrapf(err, sigilerr.CodeCLISetupFailure, "setting default model: %s", cfg.Models.Default)
			}
			logger.Warn("default model provider is not configured", "model", cfg.Models.Default)
			err = nil
		}
	}
	if len(cfg.Models.Failover) > 0 {
		if err = rt.Providers.SetFailover(cfg.Models.Failover); err != nil {
			return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "setting failover chain")
		}
	}

	// 3. Tools: registry, built-ins, confirmation ledger and runner.
	rt.Tools = tool.NewRegistry()
	if err = (&tool.Builtins{Root: cfg.Workspace.Root}).Register(rt.Tools); err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "registering built-in tools")
	}
	rt.Security = tool.NewSecurity(
		tool.WithAuditStore(rt.Store.Audit()),
		tool.WithSecurityBus(rt.Bus),
		tool.WithSecurityLogger(logger),
	)
	rt.Security.MarkSensitive(cfg.Tools.Sensitive...)

	perTool := make(map[string]time.Duration, len(cfg.Tools.PerTool)+1)
	// Waiting on a human is bounded by the task, not by a tool class default.
	perTool[agentloop.AskHumanTool] = 24 * time.Hour
	for name := range cfg.Tools.PerTool {
		if d, ok := cfg.ToolTimeout(name); ok {
			perTool[name] = d
		}
	}
	runnerOpts := []tool.RunnerOption{
		tool.WithTimeouts(tool.Timeouts{
			Interactive: cfg.Tools.Timeouts.Interactive,
			Standard:    cfg.Tools.Timeouts.Standard,
			LongRunning: cfg.Tools.Timeouts.LongRunning,
		}),
		tool.WithPerToolTimeouts(perTool),
		tool.WithRunnerBus(rt.Bus),
		tool.WithMetrics(tool.NewMetrics(rt.Registry)),
		tool.WithRunnerLogger(logger),
	}
	if cfg.Tools.Redaction.Enabled {
		rd, rerr := newRedactor(cfg.Tools.Redaction.RulesFile, logger)
		if rerr != nil {
			return rt, sigilerr.Wrap(rerr, sigilerr.CodeCLISetupFailure, "loading redaction rules")
		}
		runnerOpts = append(runnerOpts, tool.WithRedactor(rd))
	}
	rt.Runner = tool.NewRunner(rt.Tools, rt.Security, runnerOpts...)
	if cfg.Tools.CustomFile != "" {
		rt.watcher = tool.NewWatcher(cfg.Tools.CustomFile, cfg.Workspace.Root, rt.Tools, logger)
	}

	// 4. Tracing, then the pipeline whose spans it exports.
	rt.stopTracing, err = tracing.Setup(context.Background(), tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		Insecure:   cfg.Tracing.Insecure,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    version,
	})
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "setting up tracing")
	}
	if cfg.Tracing.Enabled {
		logger.Info("exporting traces", "endpoint", cfg.Tracing.Endpoint, "sample_rate", cfg.Tracing.SampleRate)
	}

	stages, err := pipeline.Standard(pipeline.StagesConfig{
		MaxInputBytes:    cfg.Pipeline.MaxInputBytes,
		FastPathPatterns: cfg.Pipeline.FastPathPatterns,
		Logger:           logger,
	})
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "building pipeline stages")
	}
	rt.Pipeline, err = pipeline.New(stages,
		pipeline.WithLogger(logger),
		pipeline.WithBus(rt.Bus),
		pipeline.WithTracer(otel.Tracer("github.com/sigil-dev/conductor/internal/pipeline")),
		pipeline.WithMetrics(pipeline.NewMetrics(rt.Registry)),
	)
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "building pipeline")
	}

	// 5. Task manager running every task through the pipeline.
	rt.foreground = &foregroundTracker{}
	rt.Tasks = task.NewManager(rt.runTask,
		task.WithStore(rt.Store.Tasks()),
		task.WithBus(rt.Bus),
		task.WithLogger(logger),
		task.WithMetrics(task.NewMetrics(rt.Registry)),
	)

	// 6. Agent loop controller and the ask_human tool.
	rt.Loop, err = agentloop.New(rt.Tasks, agentloop.Config{
		Interval:       cfg.AgentLoop.Interval,
		MinInterval:    cfg.AgentLoop.MinInterval,
		Prompt:         cfg.AgentLoop.Prompt,
		ConversationID: cfg.Conversation.PrimaryID,
	},
		agentloop.WithBus(rt.Bus),
		agentloop.WithHistory(rt.Store.History()),
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(agentloop.NewMetrics(rt.Registry)),
		agentloop.WithBeforeBlock(func(ctx context.Context, taskID string) {
			if rt.Checkpoints != nil {
				rt.Checkpoints.Flush(ctx, taskID)
			}
		}),
	)
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating agent loop")
	}
	rt.foreground.set = rt.Loop.SetForegroundBusy
	if err = agentloop.RegisterAskHuman(rt.Tools, rt.Loop); err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "registering ask_human")
	}

	// 7. Checkpoints.
	cpCfg := checkpoint.Config{
		Enabled:   cfg.Checkpoint.Enabled,
		Interval:  cfg.Checkpoint.IntervalTurns,
		Retention: cfg.Checkpoint.Retention,
	}
	if cfg.Checkpoint.Enabled {
		var report checkpoint.ReplayReport
		rt.checkpointStore, report, err = checkpoint.Open(cfg.Checkpoint.Dir, checkpoint.WithStoreLogger(logger))
		if err != nil {
			return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "opening checkpoint store")
		}
		logger.Info("checkpoint store opened",
			"dir", cfg.Checkpoint.Dir,
			"slots", report.Slots,
			"committed", report.Committed,
			"corrupt", len(report.Corrupt))
	}
	rt.Checkpoints = checkpoint.NewManager(rt.checkpointStore, rt.Tasks, cpCfg,
		checkpoint.WithBus(rt.Bus),
		checkpoint.WithLogger(logger),
		checkpoint.WithMetrics(checkpoint.NewMetrics(rt.Registry)),
		checkpoint.WithResumeHook(func(t *task.Task) {
			if t.Type == types.TaskTypeAgentLoop {
				rt.Loop.Adopt(t.ID)
			}
		}),
	)
	rt.Tasks.OnTerminal(rt.Checkpoints.HandleTerminal)

	// 8. Recurring schedule.
	jobs := make([]task.Recurring, len(cfg.Recurring))
	for i, r := range cfg.Recurring {
		jobs[i] = task.Recurring{
			Name:           r.Name,
			Schedule:       r.Schedule,
			Prompt:         r.Prompt,
			ConversationID: cfg.Conversation.PrimaryID,
		}
	}
	rt.Recurring, err = task.NewRecurringScheduler(rt.Tasks, jobs, logger)
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "scheduling recurring tasks")
	}

	// 9. Service locator handed to every pipeline stage.
	rt.Services.Register(services.Events, rt.Bus)
	rt.Services.Register(services.History, rt.Store.History())
	rt.Services.Register(services.Router, rt.Providers)
	rt.Services.Register(services.Tools, rt.Tools)
	rt.Services.Register(services.ToolRunner, rt.Runner)
	rt.Services.Register(services.Tasks, rt.Tasks)
	rt.Services.Register(services.AgentLoop, rt.Loop)
	if rt.Checkpoints.Enabled() {
		rt.Services.Register(services.Checkpoints, rt.Checkpoints)
	}

	// 10. HTTP control surface.
	var recovery []server.RecoveryService
	if rt.Checkpoints.Enabled() {
		recovery = append(recovery, rt.Checkpoints)
	}
	svc, err := server.NewServices(rt.Loop, rt.Tasks, rt.Security, recovery...)
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating services")
	}
	rt.Server, err = server.New(server.Config{
		ListenAddr:  cfg.Networking.Listen,
		CORSOrigins: cfg.Networking.CORSOrigins,
		SpawnRateLimit: server.RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             10,
		},
	}, svc,
		server.WithBus(rt.Bus),
		server.WithGatherer(rt.Registry),
		server.WithLogger(logger),
	)
	if err != nil {
		return rt, sigilerr.Wrap(err, sigilerr.CodeCLISetupFailure, "creating server")
	}

	return rt, nil
}

// Recover marks tasks orphaned by a crash as interrupted and resumes work
// from their checkpoints. Safe to call once per process.
func (rt *Runtime) Recover(ctx context.Context) error {
	if n, err := rt.Tasks.ReconcileInterrupted(ctx); err != nil {
		rt.logger.Warn("reconciling interrupted tasks failed", "error", err)
	} else if n > 0 {
		rt.logger.Info("marked orphaned tasks interrupted", "count", n)
	}

	report, err := rt.Checkpoints.RecoverAll(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("checkpoint recovery finished",
		"pruned", report.Pruned,
		"resumed", len(report.Resumed),
		"pending", len(report.Pending),
		"discarded", len(report.Discarded),
		"failed", len(report.Failed))
	return nil
}

// Start recovers interrupted work, starts background services and serves
// HTTP until ctx is cancelled.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Recover(ctx); err != nil {
		return err
	}
	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			rt.logger.Warn("custom tool watcher not started", "error", err)
		}
	}
	rt.Recurring.Start()
	if rt.Config.AgentLoop.Autostart {
		rt.Loop.Play(ctx, 0)
	}
	return rt.Server.Start(ctx)
}

// Close releases all resources in reverse wiring order.
func (rt *Runtime) Close() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if rt.Server != nil {
		add(rt.Server.Close())
	}
	if rt.Recurring != nil {
		rt.Recurring.Stop()
	}
	if rt.Loop != nil {
		add(rt.Loop.Close())
	}
	// Cancelling tasks marks them interrupted, so their checkpoints survive.
	if rt.Tasks != nil {
		add(rt.Tasks.Close())
	}
	if rt.watcher != nil {
		add(rt.watcher.Close())
	}
	if rt.checkpointStore != nil {
		add(rt.checkpointStore.Close())
	}
	if rt.Providers != nil {
		add(rt.Providers.Close())
	}
	if rt.Store != nil {
		add(rt.Store.Close())
	}
	if rt.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		add(rt.stopTracing(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

// runTask is the task.Runner: every task is one pipeline request.
func (rt *Runtime) runTask(ctx context.Context, t *task.Task, spec task.Spec) (string, error) {
	if t.Type == types.TaskTypeRequest {
		rt.foreground.enter()
		defer rt.foreground.leave()
	}

	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = rt.Config.Pipeline.MaxTurns
	}
	metadata := make(map[string]any, len(spec.Metadata))
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	var history []provider.Message
	if spec.Briefing != "" {
		history = append(history, provider.Message{Role: store.MessageRoleUser, Content: spec.Briefing})
	}

	rc := pipeline.NewRequestContext(pipeline.RequestOptions{
		Input:          spec.Prompt,
		Model:          spec.Model,
		MaxTurns:       maxTurns,
		TaskID:         t.ID,
		TaskType:       t.Type,
		ConversationID: spec.ConversationID,
		Metadata:       metadata,
		History:        history,
	})
	release := rt.Checkpoints.Begin(ctx, rc)
	defer release()

	ctx = tool.WithCallInfo(ctx, tool.CallInfo{TaskID: t.ID})
	return rt.Pipeline.Execute(ctx, rc, rt.Services)
}

// foregroundTracker holds the agent loop back while any request task runs.
type foregroundTracker struct {
	mu     sync.Mutex
	active int
	set    func(bool)
}

func (f *foregroundTracker) enter() {
	f.mu.Lock()
	f.active++
	notify := f.active == 1
	f.mu.Unlock()
	if notify && f.set != nil {
		f.set(true)
	}
}

func (f *foregroundTracker) leave() {
	f.mu.Lock()
	f.active--
	notify := f.active == 0
	f.mu.Unlock()
	if notify && f.set != nil {
		f.set(false)
	}
}

// newRedactor builds the tool output redactor from the built-in rules
// and an optional secrets-patterns-db file.
func newRedactor(rulesFile string, logger *slog.Logger) (*redact.Redactor, error) {
	if rulesFile == "" {
		return redact.Default(), nil
	}
	extra, skipped, err := redact.LoadRulesFile(rulesFile)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		logger.Warn("redaction rules skipped", "path", rulesFile, "rules", skipped)
	}
	logger.Info("loaded redaction rules", "path", rulesFile, "count", len(extra))
	return redact.Default(extra...), nil
}

// providerFactory builds a provider.Provider from a ProviderConfig.
type providerFactory func(config.ProviderConfig) (provider.Provider, error)

// builtinProviderFactories maps provider names to their constructors.
// Declared as a variable so tests can inject failing factories.
var builtinProviderFactories = map[string]providerFactory{
	"anthropic": func(pc config.ProviderConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
	"openai": func(pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.Endpoint})
	},
}

// registerBuiltinProviders registers a provider for every configured name
// with a known implementation. Unknown names and empty keys are skipped.
func registerBuiltinProviders(cfg *config.Config, reg *provider.Registry, logger *slog.Logger) {
	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			logger.Warn("skipping provider with empty API key", "provider", name)
			continue
		}
		factory, ok := builtinProviderFactories[name]
		if !ok {
			logger.Warn("unknown provider in config, skipping", "provider", name)
			continue
		}
		p, err := factory(pc)
		if err != nil {
			logger.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		reg.Register(name, p)
		logger.Info("registered provider", "provider", name)
	}
}
