package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/modhost/pkg/telemetry"
)

// HostConfig is the configuration of a module host.
type HostConfig struct {
	// Name identifies the host in logs and traces.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Environment is the deployment environment, passed to admission policies.
	Environment string `json:"environment" yaml:"environment" validate:"required"`

	// ModulesDir is the directory scanned for module archives.
	ModulesDir string `json:"modules_dir" yaml:"modules_dir" validate:"required"`

	// Loaders selects the loader strategies to register.
	Loaders LoadersConfig `json:"loaders" yaml:"loaders"`

	// Transform configures the shared code transform hook.
	Transform TransformConfig `json:"transform" yaml:"transform"`

	// Policy configures admission policies.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// LoadersConfig selects the loader strategies.
type LoadersConfig struct {
	// Standard registers the factory-based standard loader.
	Standard bool `json:"standard" yaml:"standard"`

	// WASM configures the WebAssembly loader.
	WASM WASMLoaderConfig `json:"wasm" yaml:"wasm"`
}

// WASMLoaderConfig configures the WebAssembly loader.
type WASMLoaderConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MemoryLimitPages is the memory limit per instance in 64KB pages.
	MemoryLimitPages uint32 `json:"memory_limit_pages" yaml:"memory_limit_pages" validate:"min=1,max=65536"`

	// EnableWASI instantiates wasi_snapshot_preview1.
	EnableWASI bool `json:"enable_wasi" yaml:"enable_wasi"`

	// Timeout bounds each lifecycle call into an instance, e.g. "30s".
	Timeout string `json:"timeout" yaml:"timeout" validate:"required"`
}

// TimeoutDuration parses Timeout.
func (w WASMLoaderConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid wasm timeout %q: %w", w.Timeout, err)
	}
	return d, nil
}

// TransformConfig configures the code transform applied to every unit.
// Renames run first, then scripts in order.
type TransformConfig struct {
	// Renames maps old symbol references to new ones.
	Renames map[string]string `json:"renames" yaml:"renames"`

	// Scripts are Starlark transform scripts.
	Scripts []ScriptConfig `json:"scripts" yaml:"scripts" validate:"dive"`
}

// ScriptConfig points at a Starlark transform script.
type ScriptConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	Path string `json:"path" yaml:"path" validate:"required"`

	// MaxSteps bounds the Starlark execution steps per unit. 0 means unbounded.
	MaxSteps uint64 `json:"max_steps" yaml:"max_steps"`

	// Timeout bounds a single run, e.g. "5s".
	Timeout string `json:"timeout" yaml:"timeout" validate:"required"`
}

// TimeoutDuration parses Timeout.
func (s ScriptConfig) TimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q for script %s: %w", s.Timeout, s.Name, err)
	}
	return d, nil
}

// PolicyConfig configures module admission.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtins loads the built-in policies.
	Builtins bool `json:"builtins" yaml:"builtins"`

	// Paths are .rego, .json or .yaml policy files and directories.
	Paths []string `json:"paths" yaml:"paths"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
	Output string `json:"output" yaml:"output" validate:"required"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress serves the metrics endpoint when non-empty.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	Path string `json:"path" yaml:"path" validate:"startswith=/"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Async      bool `json:"async" yaml:"async"`
	BufferSize int  `json:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// Telemetry converts the ambient sections into a telemetry configuration.
func (c *HostConfig) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = c.Name
	cfg.ServiceVersion = version
	cfg.Environment = c.Environment

	cfg.Logging.Level = c.Logging.Level
	cfg.Logging.Format = c.Logging.Format
	cfg.Logging.Output = c.Logging.Output

	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	cfg.Metrics.Path = c.Metrics.Path

	cfg.Tracing.Enabled = c.Tracing.Enabled
	cfg.Tracing.Exporter = c.Tracing.Exporter
	cfg.Tracing.Endpoint = c.Tracing.Endpoint
	cfg.Tracing.SamplingRate = c.Tracing.SamplingRate
	cfg.Tracing.Insecure = c.Tracing.Insecure

	cfg.Events.Enabled = c.Events.Enabled
	cfg.Events.EnableAsync = c.Events.Async
	if c.Events.BufferSize > 0 {
		cfg.Events.BufferSize = c.Events.BufferSize
	}
	return cfg
}

// ValidationError is a single configuration problem with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty" yaml:"file,omitempty"`
	Line    int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column  int    `json:"column,omitempty" yaml:"column,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}
