package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation levels accepted for the streaming pool. Materialize defaults to
// strict serializable; the benchmark flips between the two at runtime.
const (
	IsolationSerializable       = "serializable"
	IsolationStrictSerializable = "strict serializable"
)

const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

type Config struct {
	PrimaryDSN         string         `mapstructure:"primary_dsn" yaml:"primary_dsn"`
	StreamingDSN       string         `mapstructure:"streaming_dsn" yaml:"streaming_dsn"`
	ListenAddr         string         `mapstructure:"listen" yaml:"listen"`
	ProductID          int            `mapstructure:"product_id" yaml:"product_id"`
	Isolation          string         `mapstructure:"isolation" yaml:"isolation"`
	RefreshInterval    time.Duration  `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	RotationInterval   time.Duration  `mapstructure:"rotation_interval" yaml:"rotation_interval"`
	ProbeTimeout       time.Duration  `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	AcquireTimeout     time.Duration  `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	CorrelationTimeout time.Duration  `mapstructure:"correlation_timeout" yaml:"correlation_timeout"`
	StaleAfter         time.Duration  `mapstructure:"stale_after" yaml:"stale_after"`
	BaseWorkers        int            `mapstructure:"base_workers" yaml:"base_workers"`
	ReadyWorkers       int            `mapstructure:"ready_workers" yaml:"ready_workers"`
	LaunchRate         int            `mapstructure:"launch_rate" yaml:"launch_rate"`
	ProgressInterval   time.Duration  `mapstructure:"progress_interval" yaml:"progress_interval"`
	LagCeiling         time.Duration  `mapstructure:"lag_ceiling" yaml:"lag_ceiling"`
	Thresholds         []string       `mapstructure:"thresholds" yaml:"thresholds,omitempty"`
	Dashboard          bool           `mapstructure:"dashboard" yaml:"dashboard"`
	JSONOutput         bool           `mapstructure:"json_output" yaml:"json_output"`
	HTMLOutput         string         `mapstructure:"html_output" yaml:"html_output,omitempty"`
	LogLevel           string         `mapstructure:"log_level" yaml:"log_level"`
	LogFormat          string         `mapstructure:"log_format" yaml:"log_format"`
	LockFile           string         `mapstructure:"lock_file" yaml:"lock_file,omitempty"`
	ConfigFile         string         `mapstructure:"-" yaml:"-"`
	PrintConfig        bool           `mapstructure:"-" yaml:"-"`
	Relations          RelationConfig `mapstructure:"relations" yaml:"relations"`
	Catalog            CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	Tracing            TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// RelationConfig overrides the relations each read path queries. Empty fields
// fall back to the per-backend defaults (dynamic_pricing, mv_dynamic_pricing,
// <streaming_schema>.dynamic_pricing).
type RelationConfig struct {
	Baseline        string `mapstructure:"baseline" yaml:"baseline,omitempty"`
	Cached          string `mapstructure:"cached" yaml:"cached,omitempty"`
	Streaming       string `mapstructure:"streaming" yaml:"streaming,omitempty"`
	StreamingSchema string `mapstructure:"streaming_schema" yaml:"streaming_schema"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"`
	Type string `mapstructure:"type" yaml:"type,omitempty"` // "csv" or "json"
}

type TracingConfig struct {
	Enable      bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol    string  `mapstructure:"protocol" yaml:"protocol"` // "grpc" or "http"
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"` // Skip TLS for the OTLP exporter
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Propagation bool    `mapstructure:"propagate" yaml:"propagate"` // Honor inbound W3C trace headers
}

// Enabled reports whether span export is requested.
func (t TracingConfig) Enabled() bool {
	return t.Enable
}

// ShouldPropagate reports whether inbound W3C trace headers should be honored.
func (t TracingConfig) ShouldPropagate() bool {
	return t.Propagation
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

func (c Config) Validate() error {
	var issues []string
	var warnings []string

	if strings.TrimSpace(c.PrimaryDSN) == "" {
		issues = append(issues, "primary_dsn is required (use --help for usage information)")
	}
	if strings.TrimSpace(c.StreamingDSN) == "" {
		warnings = append(warnings, "WARNING: streaming_dsn is not set. The streaming read path will be reported as unavailable.")
	}

	if c.ProductID < 1 {
		issues = append(issues, "product_id must be >= 1")
	}
	if c.RefreshInterval < time.Second {
		issues = append(issues, "refresh_interval must be >= 1s")
	}
	if c.RotationInterval < 0 {
		issues = append(issues, "rotation_interval must be >= 0")
	}
	if c.ProbeTimeout <= 0 {
		issues = append(issues, "probe_timeout must be > 0")
	}
	if c.AcquireTimeout <= 0 {
		issues = append(issues, "acquire_timeout must be > 0")
	}
	if c.CorrelationTimeout <= 0 {
		issues = append(issues, "correlation_timeout must be > 0")
	}
	if c.StaleAfter <= 0 {
		issues = append(issues, "stale_after must be > 0")
	}
	if c.BaseWorkers < 1 {
		issues = append(issues, "base_workers must be >= 1")
	}
	if c.ReadyWorkers < c.BaseWorkers {
		issues = append(issues, "ready_workers must be >= base_workers")
	}
	if c.LaunchRate < 0 {
		issues = append(issues, "launch_rate must be >= 0")
	}
	if c.ProgressInterval <= 0 {
		issues = append(issues, "progress_interval must be > 0")
	}
	if c.LagCeiling <= 0 {
		issues = append(issues, "lag_ceiling must be > 0")
	}
	if c.Dashboard && c.JSONOutput {
		issues = append(issues, "dashboard and json-output are mutually exclusive")
	}

	// Each pool caps out at 20 connections; workers beyond that only queue.
	if c.ReadyWorkers > 20 {
		warnings = append(warnings, fmt.Sprintf("WARNING: ready_workers (%d) exceeds the per-pool connection cap (20); extra workers will wait on the pool.", c.ReadyWorkers))
	}

	if len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, w)
		}
	}

	switch c.Isolation {
	case IsolationSerializable, IsolationStrictSerializable:
	default:
		issues = append(issues, fmt.Sprintf("isolation must be %q or %q, got %q", IsolationSerializable, IsolationStrictSerializable, c.Isolation))
	}

	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		issues = append(issues, fmt.Sprintf("log_format must be %q or %q, got %q", LogFormatConsole, LogFormatJSON, c.LogFormat))
	}

	catalogIssues := validateCatalogConfig(c.Catalog)
	if len(catalogIssues) > 0 {
		issues = append(issues, catalogIssues...)
	}

	tracingIssues := validateTracingConfig(c.Tracing)
	if len(tracingIssues) > 0 {
		issues = append(issues, tracingIssues...)
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}

	return nil
}

func validateCatalogConfig(catalog CatalogConfig) []string {
	var issues []string
	if strings.TrimSpace(catalog.Path) == "" {
		return nil // No catalog file configured
	}

	if strings.TrimSpace(catalog.Type) == "" {
		issues = append(issues, "catalog: type is required when path is specified")
	} else if catalog.Type != "csv" && catalog.Type != "json" {
		issues = append(issues, fmt.Sprintf("catalog: type must be 'csv' or 'json', got %q", catalog.Type))
	}

	return issues
}

func validateTracingConfig(tracing TracingConfig) []string {
	var issues []string

	if tracing.SampleRate < 0 || tracing.SampleRate > 1.0 {
		issues = append(issues, fmt.Sprintf("tracing: sample_rate must be between 0.0 and 1.0, got %g", tracing.SampleRate))
	}

	switch strings.ToLower(tracing.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol must be 'grpc' or 'http', got %q", tracing.Protocol))
	}

	return issues
}

// Dump renders the effective configuration as YAML for --print-config.
func (c Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(data), nil
}
