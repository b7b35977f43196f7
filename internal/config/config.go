// Package config provides configuration types and defaults for the legion
// orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/legion/internal/log"
)

// Config holds all configuration options for the orchestrator.
type Config struct {
	// DataDir is the root directory for all persistent state
	// (sessions, legions, queues, comms).
	DataDir string `mapstructure:"data_dir"`

	Adapter   AdapterConfig   `mapstructure:"adapter"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Container ContainerConfig `mapstructure:"container"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// AdapterConfig selects and tunes the assistant adapter bound to new
// sessions.
type AdapterConfig struct {
	// Type is the adapter implementation: "claude" (default) or "mock".
	Type string `mapstructure:"type"`

	// Model is the upstream model identifier passed to the adapter.
	Model string `mapstructure:"model"`

	// PermissionMode is the default tool permission mode for new sessions.
	PermissionMode string `mapstructure:"permission_mode"`
}

// QueueConfig holds queue processor tuning.
type QueueConfig struct {
	// PollInterval is how often a processor task re-checks its queue.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ActiveTimeout bounds how long a processor waits for a session to
	// become active before failing the work item.
	ActiveTimeout time.Duration `mapstructure:"active_timeout"`

	// MinWaitSeconds is the default pacing delay before each delivery,
	// applied to sessions that don't override it.
	MinWaitSeconds int `mapstructure:"min_wait_seconds"`

	// MinIdleSeconds is the default continuous idle time after a delivery
	// that marks a work item complete.
	MinIdleSeconds int `mapstructure:"min_idle_seconds"`
}

// ContainerConfig holds sandboxed execution settings.
type ContainerConfig struct {
	// Image is the container image used for sandboxed sessions.
	Image string `mapstructure:"image"`

	// ExtraMounts are additional bind mounts, "host:container" form.
	ExtraMounts []string `mapstructure:"extra_mounts"`

	// Workspace is the in-container workspace path.
	Workspace string `mapstructure:"workspace"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/legion/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the minimum level written: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// FilePath is the log file location. Empty writes to stderr.
	FilePath string `mapstructure:"file_path"`
}

// DefaultDataDir returns the default root for persistent state.
// Returns ~/.legion or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".legion")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/legion/traces/traces.jsonl or empty string if home dir
// unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "legion", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Adapter: AdapterConfig{
			Type:           "claude",
			Model:          "sonnet",
			PermissionMode: "default",
		},
		Queue: QueueConfig{
			PollInterval:   time.Second,
			ActiveTimeout:  120 * time.Second,
			MinWaitSeconds: 10,
			MinIdleSeconds: 10,
		},
		Container: ContainerConfig{
			Workspace: "/workspace",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults and are always valid.
func (c Config) Validate() error {
	if err := ValidateAdapter(c.Adapter); err != nil {
		return err
	}
	if err := ValidateQueue(c.Queue); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	if c.DataDir != "" && !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("data_dir must be an absolute path, got %q", c.DataDir)
	}
	return nil
}

// ValidateAdapter checks adapter configuration for errors.
func ValidateAdapter(a AdapterConfig) error {
	if a.Type != "" && a.Type != "claude" && a.Type != "mock" {
		return fmt.Errorf("adapter.type must be \"claude\" or \"mock\", got %q", a.Type)
	}
	return nil
}

// ValidateQueue checks queue processor configuration for errors.
func ValidateQueue(q QueueConfig) error {
	if q.PollInterval < 0 {
		return fmt.Errorf("queue.poll_interval must not be negative, got %v", q.PollInterval)
	}
	if q.ActiveTimeout < 0 {
		return fmt.Errorf("queue.active_timeout must not be negative, got %v", q.ActiveTimeout)
	}
	if q.MinWaitSeconds < 0 {
		return fmt.Errorf("queue.min_wait_seconds must not be negative, got %d", q.MinWaitSeconds)
	}
	if q.MinIdleSeconds < 0 {
		return fmt.Errorf("queue.min_idle_seconds must not be negative, got %d", q.MinIdleSeconds)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(l LogConfig) error {
	if l.Level != "" {
		switch l.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", l.Level)
		}
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Legion Configuration

# Root directory for persistent state: session records, message logs,
# queues, and comm audit trails (default: ~/.legion)
# data_dir: /path/to/data

# Assistant adapter settings
adapter:
  # Adapter implementation: "claude" (default) or "mock"
  type: claude

  # Upstream model identifier
  model: sonnet

  # Default tool permission mode for new sessions
  # permission_mode: default

# Queue processor settings
queue:
  # How often each processor task re-checks its queue
  poll_interval: 1s

  # How long to wait for a session to become active before failing the item
  active_timeout: 120s

  # Default pacing for sessions that don't override it:
  # delay before each delivery, and continuous idle time that
  # marks a work item complete
  min_wait_seconds: 10
  min_idle_seconds: 10

# Sandboxed execution settings (sessions created with use_container)
# container:
#   image: legion-sandbox:latest
#   workspace: /workspace
#   extra_mounts:
#     - /host/path:/container/path

# Distributed tracing configuration
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/legion/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces

# Logging
log:
  level: info
  # file_path: ~/.legion/legion.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
