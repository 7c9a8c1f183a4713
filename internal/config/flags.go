package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "freshbench",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	// Connection flags
	flags.String("primary-dsn", "", "Postgres connection string for the primary database")
	flags.String("streaming-dsn", "", "Connection string for the streaming replica (Materialize)")
	flags.String("isolation", IsolationSerializable, "Isolation level for the streaming pool ('serializable' or 'strict serializable')")
	flags.Duration("rotation-interval", 60*time.Second, "How often to rotate the streaming pool (0 disables rotation)")
	flags.Duration("acquire-timeout", 120*time.Second, "Max time to wait for a pooled connection")

	// Probe flags
	flags.IntP("product-id", "p", 1, "Product to probe across the read paths")
	flags.Duration("probe-timeout", 120*time.Second, "Per-probe query timeout")
	flags.Int("base-workers", 1, "Concurrent probes per read path")
	flags.Int("ready-workers", 2, "Concurrent probes for the streaming path once its index is ready")
	flags.Int("launch-rate", 50, "Probe launches per second across all read paths (0 means unlimited)")
	flags.Duration("stale-after", 2*time.Second, "Age after which a read path with no fresh samples reports unavailable")

	// Refresh and freshness flags
	flags.DurationP("refresh-interval", "r", 60*time.Second, "How often to refresh the cached table (materialized view)")
	flags.Duration("correlation-timeout", 300*time.Second, "Max time to wait for the streaming replica heartbeat")
	flags.Duration("lag-ceiling", 10*time.Second, "Replication lag that counts as 100% on the dashboard gauge")

	// Relation flags
	flags.String("baseline-relation", "", "Relation queried by the baseline path (default dynamic_pricing)")
	flags.String("cached-relation", "", "Relation queried by the cached path (default mv_dynamic_pricing)")
	flags.String("streaming-relation", "", "Relation queried by the streaming path (default <schema>.dynamic_pricing)")
	flags.String("streaming-schema", "freshmart", "Schema holding the streaming replica relations")

	// Catalog flags
	flags.String("catalog-path", "", "Path to CSV or JSON file listing valid product ids")
	flags.String("catalog-type", "", "Type of catalog file: 'csv' or 'json'")

	// Server flags
	flags.StringP("listen", "l", ":8080", "Address for the HTTP API and websocket feed")

	// Output flags
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("dashboard", false, "Show live terminal dashboard with metrics")
	flags.String("html-output", "", "Generate HTML report to the specified file path")
	flags.Duration("progress-interval", 10*time.Second, "How often to log the progress line")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.String("log-format", LogFormatConsole, "Log format: 'console' or 'json'")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.Bool("print-config", false, "Print the effective configuration as YAML and exit")

	// Threshold flags
	flags.StringSlice("threshold", nil, "Performance thresholds (repeatable, e.g., 'streaming:p99 < 0.5')")

	// Process flags
	flags.String("lock-file", "", "Lock file preventing concurrent benchmark runs against the same target")

	// Tracing flags
	flags.Bool("trace", false, "Enable OpenTelemetry tracing")
	flags.String("trace-service", "", "Service name reported on spans")
	flags.String("trace-endpoint", "", "OTLP endpoint for span export")
	flags.String("trace-protocol", "grpc", "OTLP transport: 'grpc' or 'http'")
	flags.Bool("trace-insecure", false, "Skip TLS for the OTLP exporter")
	flags.Float64("trace-sample-rate", 1.0, "Fraction of traces to sample (0.0 to 1.0)")
	flags.Bool("trace-propagate", true, "Honor inbound W3C trace headers")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("primary-dsn") {
		val, err := fs.GetString("primary-dsn")
		if err != nil {
			return err
		}
		cfg.PrimaryDSN = strings.TrimSpace(val)
	}
	if fs.Changed("streaming-dsn") {
		val, err := fs.GetString("streaming-dsn")
		if err != nil {
			return err
		}
		cfg.StreamingDSN = strings.TrimSpace(val)
	}
	if fs.Changed("isolation") {
		val, err := fs.GetString("isolation")
		if err != nil {
			return err
		}
		cfg.Isolation = val
	}
	if fs.Changed("rotation-interval") {
		val, err := fs.GetDuration("rotation-interval")
		if err != nil {
			return err
		}
		cfg.RotationInterval = val
	}
	if fs.Changed("acquire-timeout") {
		val, err := fs.GetDuration("acquire-timeout")
		if err != nil {
			return err
		}
		cfg.AcquireTimeout = val
	}
	if fs.Changed("product-id") {
		val, err := fs.GetInt("product-id")
		if err != nil {
			return err
		}
		cfg.ProductID = val
	}
	if fs.Changed("probe-timeout") {
		val, err := fs.GetDuration("probe-timeout")
		if err != nil {
			return err
		}
		cfg.ProbeTimeout = val
	}
	if fs.Changed("base-workers") {
		val, err := fs.GetInt("base-workers")
		if err != nil {
			return err
		}
		cfg.BaseWorkers = val
	}
	if fs.Changed("ready-workers") {
		val, err := fs.GetInt("ready-workers")
		if err != nil {
			return err
		}
		cfg.ReadyWorkers = val
	}
	if fs.Changed("launch-rate") {
		val, err := fs.GetInt("launch-rate")
		if err != nil {
			return err
		}
		cfg.LaunchRate = val
	}
	if fs.Changed("stale-after") {
		val, err := fs.GetDuration("stale-after")
		if err != nil {
			return err
		}
		cfg.StaleAfter = val
	}
	if fs.Changed("refresh-interval") {
		val, err := fs.GetDuration("refresh-interval")
		if err != nil {
			return err
		}
		cfg.RefreshInterval = val
	}
	if fs.Changed("correlation-timeout") {
		val, err := fs.GetDuration("correlation-timeout")
		if err != nil {
			return err
		}
		cfg.CorrelationTimeout = val
	}
	if fs.Changed("lag-ceiling") {
		val, err := fs.GetDuration("lag-ceiling")
		if err != nil {
			return err
		}
		cfg.LagCeiling = val
	}
	if fs.Changed("baseline-relation") {
		val, err := fs.GetString("baseline-relation")
		if err != nil {
			return err
		}
		cfg.Relations.Baseline = strings.TrimSpace(val)
	}
	if fs.Changed("cached-relation") {
		val, err := fs.GetString("cached-relation")
		if err != nil {
			return err
		}
		cfg.Relations.Cached = strings.TrimSpace(val)
	}
	if fs.Changed("streaming-relation") {
		val, err := fs.GetString("streaming-relation")
		if err != nil {
			return err
		}
		cfg.Relations.Streaming = strings.TrimSpace(val)
	}
	if fs.Changed("streaming-schema") {
		val, err := fs.GetString("streaming-schema")
		if err != nil {
			return err
		}
		cfg.Relations.StreamingSchema = strings.TrimSpace(val)
	}
	if fs.Changed("catalog-path") {
		val, err := fs.GetString("catalog-path")
		if err != nil {
			return err
		}
		cfg.Catalog.Path = strings.TrimSpace(val)
	}
	if fs.Changed("catalog-type") {
		val, err := fs.GetString("catalog-type")
		if err != nil {
			return err
		}
		cfg.Catalog.Type = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("listen") {
		val, err := fs.GetString("listen")
		if err != nil {
			return err
		}
		cfg.ListenAddr = strings.TrimSpace(val)
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}
	if fs.Changed("html-output") {
		val, err := fs.GetString("html-output")
		if err != nil {
			return err
		}
		cfg.HTMLOutput = strings.TrimSpace(val)
	}
	if fs.Changed("progress-interval") {
		val, err := fs.GetDuration("progress-interval")
		if err != nil {
			return err
		}
		cfg.ProgressInterval = val
	}
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.TrimSpace(val)
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.LogFormat = val
	}
	if fs.Changed("config") {
		val, err := fs.GetString("config")
		if err != nil {
			return err
		}
		cfg.ConfigFile = strings.TrimSpace(val)
	}
	if fs.Changed("print-config") {
		val, err := fs.GetBool("print-config")
		if err != nil {
			return err
		}
		cfg.PrintConfig = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("lock-file") {
		val, err := fs.GetString("lock-file")
		if err != nil {
			return err
		}
		cfg.LockFile = strings.TrimSpace(val)
	}
	if fs.Changed("trace") {
		val, err := fs.GetBool("trace")
		if err != nil {
			return err
		}
		cfg.Tracing.Enable = val
	}
	if fs.Changed("trace-service") {
		val, err := fs.GetString("trace-service")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}
	if fs.Changed("trace-endpoint") {
		val, err := fs.GetString("trace-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("trace-protocol") {
		val, err := fs.GetString("trace-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("trace-insecure") {
		val, err := fs.GetBool("trace-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("trace-sample-rate") {
		val, err := fs.GetFloat64("trace-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}
	if fs.Changed("trace-propagate") {
		val, err := fs.GetBool("trace-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagation = val
	}

	return nil
}
