package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	// If no arguments provided and no config file, show help/usage
	configPath := flagSet.Lookup("config").Value.String()
	if len(args) == 0 && configPath == "" {
		displayHelp(cmd)
		return nil, ErrHelpRequested
	}
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := &Config{
		ListenAddr:         ":8080",
		ProductID:          1,
		Isolation:          IsolationSerializable,
		RefreshInterval:    60 * time.Second,
		RotationInterval:   60 * time.Second,
		ProbeTimeout:       120 * time.Second,
		AcquireTimeout:     120 * time.Second,
		CorrelationTimeout: 300 * time.Second,
		StaleAfter:         2 * time.Second,
		BaseWorkers:        1,
		ReadyWorkers:       2,
		LaunchRate:         50,
		ProgressInterval:   10 * time.Second,
		LagCeiling:         10 * time.Second,
		LogLevel:           "info",
		LogFormat:          LogFormatConsole,
		ConfigFile:         configPath,
		Relations:          RelationConfig{StreamingSchema: "freshmart"},
		Tracing:            TracingConfig{Protocol: "grpc", SampleRate: 1.0, Propagation: true},
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	cfg.StreamingDSN = strings.TrimSpace(cfg.StreamingDSN)
	cfg.Isolation = strings.ToLower(strings.TrimSpace(cfg.Isolation))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	// DSNs may come from the environment so credentials stay out of shell history.
	if cfg.PrimaryDSN == "" {
		if envDSN := os.Getenv("FRESHBENCH_PRIMARY_DSN"); envDSN != "" {
			cfg.PrimaryDSN = envDSN
		}
	}
	if cfg.StreamingDSN == "" {
		if envDSN := os.Getenv("FRESHBENCH_STREAMING_DSN"); envDSN != "" {
			cfg.StreamingDSN = envDSN
		}
	}

	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "primarydsn", "primary_dsn", "primary-dsn"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("primary_dsn: %w", err)
		}
		cfg.PrimaryDSN = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "streamingdsn", "streaming_dsn", "streaming-dsn"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("streaming_dsn: %w", err)
		}
		cfg.StreamingDSN = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "listen"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		if val != "" {
			cfg.ListenAddr = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "productid", "product_id", "product-id"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("product_id: %w", err)
		}
		cfg.ProductID = val
	}

	if raw, ok := lookupSetting(settings, "isolation"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("isolation: %w", err)
		}
		if val != "" {
			cfg.Isolation = val
		}
	}

	if raw, ok := lookupSetting(settings, "refreshinterval", "refresh_interval", "refresh-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("refresh_interval: %w", err)
		}
		cfg.RefreshInterval = dur
	}

	if raw, ok := lookupSetting(settings, "rotationinterval", "rotation_interval", "rotation-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("rotation_interval: %w", err)
		}
		cfg.RotationInterval = dur
	}

	if raw, ok := lookupSetting(settings, "probetimeout", "probe_timeout", "probe-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("probe_timeout: %w", err)
		}
		cfg.ProbeTimeout = dur
	}

	if raw, ok := lookupSetting(settings, "acquiretimeout", "acquire_timeout", "acquire-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("acquire_timeout: %w", err)
		}
		cfg.AcquireTimeout = dur
	}

	if raw, ok := lookupSetting(settings, "correlationtimeout", "correlation_timeout", "correlation-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("correlation_timeout: %w", err)
		}
		cfg.CorrelationTimeout = dur
	}

	if raw, ok := lookupSetting(settings, "staleafter", "stale_after", "stale-after"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("stale_after: %w", err)
		}
		cfg.StaleAfter = dur
	}

	if raw, ok := lookupSetting(settings, "baseworkers", "base_workers", "base-workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("base_workers: %w", err)
		}
		cfg.BaseWorkers = val
	}

	if raw, ok := lookupSetting(settings, "readyworkers", "ready_workers", "ready-workers"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("ready_workers: %w", err)
		}
		cfg.ReadyWorkers = val
	}

	if raw, ok := lookupSetting(settings, "launchrate", "launch_rate", "launch-rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("launch_rate: %w", err)
		}
		cfg.LaunchRate = val
	}

	if raw, ok := lookupSetting(settings, "progressinterval", "progress_interval", "progress-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("progress_interval: %w", err)
		}
		cfg.ProgressInterval = dur
	}

	if raw, ok := lookupSetting(settings, "lagceiling", "lag_ceiling", "lag-ceiling"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("lag_ceiling: %w", err)
		}
		cfg.LagCeiling = dur
	}

	if raw, ok := lookupSetting(settings, "thresholds"); ok {
		thresholds, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("thresholds: %w", err)
		}
		cfg.Thresholds = thresholds
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("jsonOutput: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "htmloutput", "html_output", "html-output"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("htmlOutput: %w", err)
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "loglevel", "log_level", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		if val != "" {
			cfg.LogLevel = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "logformat", "log_format", "log-format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_format: %w", err)
		}
		if val != "" {
			cfg.LogFormat = strings.TrimSpace(val)
		}
	}

	if raw, ok := lookupSetting(settings, "lockfile", "lock_file", "lock-file"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("lock_file: %w", err)
		}
		cfg.LockFile = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "relations"); ok {
		relations, err := parseRelations(raw)
		if err != nil {
			return fmt.Errorf("relations: %w", err)
		}
		if relations.StreamingSchema == "" {
			relations.StreamingSchema = cfg.Relations.StreamingSchema
		}
		cfg.Relations = relations
	}

	if raw, ok := lookupSetting(settings, "catalog"); ok {
		catalog, err := parseCatalog(raw)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		cfg.Catalog = catalog
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		tracing, err := parseTracing(raw, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		cfg.Tracing = tracing
	}

	return nil
}

func parseRelations(value interface{}) (RelationConfig, error) {
	if value == nil {
		return RelationConfig{}, nil
	}
	entry, err := toStringKeyMap(value)
	if err != nil {
		return RelationConfig{}, err
	}

	var relations RelationConfig
	if raw, ok := lookupSetting(entry, "baseline"); ok {
		val, err := asString(raw)
		if err != nil {
			return RelationConfig{}, fmt.Errorf("baseline: %w", err)
		}
		relations.Baseline = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "cached"); ok {
		val, err := asString(raw)
		if err != nil {
			return RelationConfig{}, fmt.Errorf("cached: %w", err)
		}
		relations.Cached = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "streaming"); ok {
		val, err := asString(raw)
		if err != nil {
			return RelationConfig{}, fmt.Errorf("streaming: %w", err)
		}
		relations.Streaming = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "streamingschema", "streaming_schema", "streaming-schema"); ok {
		val, err := asString(raw)
		if err != nil {
			return RelationConfig{}, fmt.Errorf("streaming_schema: %w", err)
		}
		relations.StreamingSchema = strings.TrimSpace(val)
	}
	return relations, nil
}

func parseCatalog(value interface{}) (CatalogConfig, error) {
	if value == nil {
		return CatalogConfig{}, nil
	}
	entry, err := toStringKeyMap(value)
	if err != nil {
		return CatalogConfig{}, err
	}

	var catalog CatalogConfig
	if raw, ok := lookupSetting(entry, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return CatalogConfig{}, fmt.Errorf("path: %w", err)
		}
		catalog.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "type"); ok {
		val, err := asString(raw)
		if err != nil {
			return CatalogConfig{}, fmt.Errorf("type: %w", err)
		}
		catalog.Type = strings.ToLower(strings.TrimSpace(val))
	}
	return catalog, nil
}

func parseTracing(value interface{}, defaults TracingConfig) (TracingConfig, error) {
	if value == nil {
		return defaults, nil
	}
	entry, err := toStringKeyMap(value)
	if err != nil {
		return TracingConfig{}, err
	}

	tracing := defaults
	if raw, ok := lookupSetting(entry, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("enabled: %w", err)
		}
		tracing.Enable = val
	}
	if raw, ok := lookupSetting(entry, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("service_name: %w", err)
		}
		tracing.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		tracing.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(entry, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("protocol: %w", err)
		}
		if val != "" {
			tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
		}
	}
	if raw, ok := lookupSetting(entry, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("insecure: %w", err)
		}
		tracing.Insecure = val
	}
	if raw, ok := lookupSetting(entry, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("sample_rate: %w", err)
		}
		tracing.SampleRate = val
	}
	if raw, ok := lookupSetting(entry, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("propagate: %w", err)
		}
		tracing.Propagation = val
	}
	return tracing, nil
}
