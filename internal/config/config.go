// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/spf13/viper"
)

// MinAgentLoopInterval is the hard floor for the autonomous loop cadence.
// Configuration may raise it but never lower it.
const MinAgentLoopInterval = 5 * time.Second

// EnvPrefix is prepended to every environment override, e.g. CONDUCTOR_DATA_DIR.
const EnvPrefix = "CONDUCTOR"

// Config is the top-level Conductor configuration.
type Config struct {
	DataDir      string                    `mapstructure:"data_dir"`
	Verbose      bool                      `mapstructure:"verbose"`
	Workspace    WorkspaceConfig           `mapstructure:"workspace"`
	Conversation ConversationConfig        `mapstructure:"conversation"`
	Networking   NetworkingConfig          `mapstructure:"networking"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Models       ModelsConfig              `mapstructure:"models"`
	Pipeline     PipelineConfig            `mapstructure:"pipeline"`
	Tools        ToolsConfig               `mapstructure:"tools"`
	AgentLoop    AgentLoopConfig           `mapstructure:"agent_loop"`
	Checkpoint   CheckpointConfig          `mapstructure:"checkpoint"`
	Recurring    []RecurringConfig         `mapstructure:"recurring"`
	Storage      StorageConfig             `mapstructure:"storage"`
	Tracing      TracingConfig             `mapstructure:"tracing"`
}

// WorkspaceConfig bounds filesystem access for built-in tools.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// ConversationConfig names the conversation that autonomous output and
// answered questions are appended to.
type ConversationConfig struct {
	PrimaryID string `mapstructure:"primary_id"`
}

// NetworkingConfig controls the HTTP control surface.
type NetworkingConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ProviderConfig holds credentials and endpoint for an LLM provider.
type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// ModelsConfig controls model selection.
type ModelsConfig struct {
	Default  string   `mapstructure:"default"`
	Failover []string `mapstructure:"failover"`
}

// PipelineConfig bounds a single request.
type PipelineConfig struct {
	MaxTurns         int      `mapstructure:"max_turns"`
	MaxInputBytes    int      `mapstructure:"max_input_bytes"`
	FastPathPatterns []string `mapstructure:"fast_path_patterns"`
}

// ToolsConfig controls tool timeouts, sensitivity and custom tool loading.
type ToolsConfig struct {
	Timeouts   TimeoutsConfig           `mapstructure:"timeouts"`
	PerTool    map[string]time.Duration `mapstructure:"per_tool"`
	Sensitive  []string                 `mapstructure:"sensitive"`
	CustomFile string                   `mapstructure:"custom_file"`
	Redaction  RedactionConfig          `mapstructure:"redaction"`
}

// RedactionConfig controls secret masking in tool output.
type RedactionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RulesFile adds patterns in secrets-patterns-db YAML format.
	RulesFile string `mapstructure:"rules_file"`
}

// TimeoutsConfig holds the per-class default tool timeouts.
type TimeoutsConfig struct {
	Interactive time.Duration `mapstructure:"interactive"`
	Standard    time.Duration `mapstructure:"standard"`
	LongRunning time.Duration `mapstructure:"long_running"`
}

// AgentLoopConfig controls the autonomous loop.
type AgentLoopConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Prompt      string        `mapstructure:"prompt"`
	Autostart   bool          `mapstructure:"autostart"`
}

// CheckpointConfig controls crash-recovery snapshots.
type CheckpointConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	IntervalTurns int           `mapstructure:"interval_turns"`
	Retention     time.Duration `mapstructure:"retention"`
	Dir           string        `mapstructure:"dir"`
}

// RecurringConfig declares a cron-scheduled task.
type RecurringConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Prompt   string `mapstructure:"prompt"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("workspace.root", ".")
	v.SetDefault("conversation.primary_id", "primary")
	v.SetDefault("networking.listen", "127.0.0.1:18790")
	v.SetDefault("networking.cors_origins", []string{})
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("models.default", "anthropic/claude-sonnet-4-5")

	v.SetDefault("pipeline.max_turns", 20)
	v.SetDefault("pipeline.max_input_bytes", 64*1024)
	v.SetDefault("pipeline.fast_path_patterns", []string{
		`^(hi|hello|hey)[!. ]*$`,
		`^(thanks|thank you|thx)[!. ]*$`,
		`^(ok|okay|cool|great|got it)[!. ]*$`,
	})

	v.SetDefault("tools.timeouts.interactive", 30*time.Second)
	v.SetDefault("tools.timeouts.standard", 2*time.Minute)
	v.SetDefault("tools.timeouts.long_running", 10*time.Minute)
	v.SetDefault("tools.sensitive", []string{"write_file", "run_command"})
	v.SetDefault("tools.custom_file", "")
	v.SetDefault("tools.redaction.enabled", true)
	v.SetDefault("tools.redaction.rules_file", "")

	v.SetDefault("agent_loop.interval", time.Minute)
	v.SetDefault("agent_loop.min_interval", MinAgentLoopInterval)
	v.SetDefault("agent_loop.prompt", "Review pending work and continue the most important task.")
	v.SetDefault("agent_loop.autostart", false)

	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.interval_turns", 3)
	v.SetDefault("checkpoint.retention", 7*24*time.Hour)
	v.SetDefault("checkpoint.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)
}

// SetupEnv binds CONDUCTOR_* environment overrides.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, sigilerr.Errorf(sigilerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors.
// It returns every problem found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validatePipeline()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateAgentLoop()...)
	errs = append(errs, c.validateCheckpoint()...)
	errs = append(errs, c.validateRecurring()...)
	errs = append(errs, c.validateTracing()...)

	return errs
}

// ToolTimeout returns the configured override for name, if any.
func (c *Config) ToolTimeout(name string) (time.Duration, bool) {
	d, ok := c.Tools.PerTool[strings.ToLower(name)]
	return d, ok && d > 0
}

func (c *Config) validateNetworking() []error {
	var errs []error

	if c.Networking.Listen == "" {
		return append(errs, invalid("config: networking.listen must not be empty"))
	}

	_, portStr, err := net.SplitHostPort(c.Networking.Listen)
	if err != nil {
		return append(errs, sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue,
			"config: networking.listen must be a valid host:port address, got %q: %w",
			c.Networking.Listen, err,
		))
	}

	port, err := strconv.Atoi(portStr)
	switch {
	case err != nil:
		errs = append(errs, invalid("config: networking.listen port must be a number, got %q", portStr))
	case port < 1 || port > 65535:
		errs = append(errs, invalid("config: networking.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	validBackends := map[string]bool{"sqlite": true}
	if !validBackends[c.Storage.Backend] {
		return []error{invalid("config: storage.backend must be one of [sqlite], got %q", c.Storage.Backend)}
	}
	return nil
}

func (c *Config) validateModels() []error {
	var errs []error

	check := func(field, model string) {
		if !strings.Contains(model, "/") {
			errs = append(errs, invalid("config: %s must be in \"provider/model\" format, got %q", field, model))
			return
		}
		// A nil providers map means defaults only, which is valid.
		if c.Providers == nil {
			return
		}
		if _, ok := c.Providers[ProviderFromModel(model)]; !ok {
			errs = append(errs, invalid("config: %s %q references provider %q which is not configured",
				field, model, ProviderFromModel(model)))
		}
	}

	if c.Models.Default == "" {
		errs = append(errs, invalid("config: models.default must not be empty"))
	} else {
		check("models.default", c.Models.Default)
	}
	for i, model := range c.Models.Failover {
		check("models.failover["+strconv.Itoa(i)+"]", model)
	}

	return errs
}

func (c *Config) validatePipeline() []error {
	var errs []error

	if c.Pipeline.MaxTurns <= 0 {
		errs = append(errs, invalid("config: pipeline.max_turns must be greater than 0, got %d", c.Pipeline.MaxTurns))
	}
	if c.Pipeline.MaxInputBytes <= 0 {
		errs = append(errs, invalid("config: pipeline.max_input_bytes must be greater than 0, got %d", c.Pipeline.MaxInputBytes))
	}

	return errs
}

func (c *Config) validateTools() []error {
	var errs []error

	classes := map[string]time.Duration{
		"interactive":  c.Tools.Timeouts.Interactive,
		"standard":     c.Tools.Timeouts.Standard,
		"long_running": c.Tools.Timeouts.LongRunning,
	}
	for _, name := range []string{"interactive", "standard", "long_running"} {
		if classes[name] <= 0 {
			errs = append(errs, invalid("config: tools.timeouts.%s must be greater than 0, got %s", name, classes[name]))
		}
	}
	for name, d := range c.Tools.PerTool {
		if d <= 0 {
			errs = append(errs, invalid("config: tools.per_tool.%s must be greater than 0, got %s", name, d))
		}
	}

	return errs
}

func (c *Config) validateAgentLoop() []error {
	var errs []error

	if c.AgentLoop.MinInterval < MinAgentLoopInterval {
		errs = append(errs, invalid("config: agent_loop.min_interval must be at least %s, got %s",
			MinAgentLoopInterval, c.AgentLoop.MinInterval))
	}
	floor := max(c.AgentLoop.MinInterval, MinAgentLoopInterval)
	if c.AgentLoop.Interval < floor {
		errs = append(errs, invalid("config: agent_loop.interval must be at least %s, got %s",
			floor, c.AgentLoop.Interval))
	}

	return errs
}

func (c *Config) validateCheckpoint() []error {
	var errs []error

	if c.Checkpoint.Enabled && c.Checkpoint.IntervalTurns <= 0 {
		errs = append(errs, invalid("config: checkpoint.interval_turns must be greater than 0, got %d",
			c.Checkpoint.IntervalTurns))
	}
	if c.Checkpoint.Retention < 0 {
		errs = append(errs, invalid("config: checkpoint.retention must not be negative, got %s", c.Checkpoint.Retention))
	}

	return errs
}

func (c *Config) validateRecurring() []error {
	var errs []error

	seen := make(map[string]bool, len(c.Recurring))
	for i, r := range c.Recurring {
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, invalid("config: recurring[%d].name must not be empty", i))
		} else if seen[r.Name] {
			errs = append(errs, invalid("config: recurring[%d].name %q is duplicated", i, r.Name))
		}
		seen[r.Name] = true
		if strings.TrimSpace(r.Schedule) == "" {
			errs = append(errs, invalid("config: recurring[%d].schedule must not be empty", i))
		}
		if strings.TrimSpace(r.Prompt) == "" {
			errs = append(errs, invalid("config: recurring[%d].prompt must not be empty", i))
		}
	}

	return errs
}

func (c *Config) validateTracing() []error {
	var errs []error

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, invalid("config: tracing.endpoint must not be empty when tracing is enabled"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, invalid("config: tracing.sample_rate must be between 0 and 1, got %g", c.Tracing.SampleRate))
	}

	return errs
}

// ProviderFromModel extracts the provider prefix from a "provider/model" string.
func ProviderFromModel(model string) string {
	if idx := strings.Index(model, "/"); idx > 0 {
		return model[:idx]
	}
	return model
}

func invalid(format string, args ...any) error {
	return sigilerr.Errorf(sigilerr.CodeConfigValidateInvalidValue, format, args...)
}
