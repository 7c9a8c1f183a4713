package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/threshold"
)

// Report bundles everything the shutdown summary prints.
type Report struct {
	RunID    string
	Product  int
	Elapsed  time.Duration
	Backends map[string]metrics.Stats
	Pool     pool.CounterSnapshot
	Checks   []threshold.Result
}

// checkJSON is the wire form of a threshold result in the JSON report.
type checkJSON struct {
	Check   string  `json:"check"`
	Actual  float64 `json:"actual"`
	Pass    bool    `json:"pass"`
	Message string  `json:"message"`
}

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, rep Report) {
	fmt.Fprintln(w, "\n--- Freshness Benchmark Results ---")
	fmt.Fprintf(w, "Run ID:            %s\n", rep.RunID)
	fmt.Fprintf(w, "Product:           %d\n", rep.Product)
	fmt.Fprintf(w, "Duration:          %s\n", rep.Elapsed.Round(time.Millisecond))

	buckets := make(map[string]map[string]int)
	for _, b := range backend.All() {
		stats, ok := rep.Backends[b.Key()]
		if !ok {
			continue
		}

		fmt.Fprintf(w, "\n%s:\n", b.DisplayName())
		fmt.Fprintf(w, "  Probes:          %d (%d ok, %d failed)\n", stats.Total, stats.Successes, stats.Failures)
		fmt.Fprintf(w, "  Probes/sec:      %.2f\n", stats.ProbesPerSec)
		fmt.Fprintf(w, "  Min / Max:       %s / %s\n", stats.MinLatency, stats.MaxLatency)
		fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
		fmt.Fprintf(w, "  P50 / P90 / P99: %s / %s / %s\n", stats.P50Latency, stats.P90Latency, stats.P99Latency)

		if len(stats.Errors) > 0 {
			buckets[b.Key()] = stats.Errors
		}
	}

	if len(buckets) > 0 {
		fmt.Fprintln(w, "\nError Breakdown:")
		writeErrorBuckets(w, buckets, "  ")
	}

	fmt.Fprintln(w, "\nPool Activity:")
	fmt.Fprintf(w, "  Acquires:        %d (retries %d, failures %d)\n", rep.Pool.Acquires, rep.Pool.AcquireRetries, rep.Pool.AcquireFailures)
	fmt.Fprintf(w, "  Releases:        %d (discards %d)\n", rep.Pool.Releases, rep.Pool.Discards)
	fmt.Fprintf(w, "  Rotations:       %d (failures %d)\n", rep.Pool.Rotations, rep.Pool.RotationFailures)

	if len(rep.Checks) > 0 {
		fmt.Fprintln(w, "\nThreshold Checks:")
		for _, r := range rep.Checks {
			fmt.Fprintf(w, "  %s\n", r.Message)
		}
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, rep Report) error {
	checks := make([]checkJSON, 0, len(rep.Checks))
	for _, r := range rep.Checks {
		checks = append(checks, checkJSON{
			Check:   r.Threshold.Raw,
			Actual:  r.Actual,
			Pass:    r.Pass,
			Message: r.Message,
		})
	}

	payload := struct {
		RunID    string                   `json:"run_id"`
		Product  int                      `json:"product_id"`
		ElapsedS float64                  `json:"elapsed_s"`
		Backends map[string]metrics.Stats `json:"backends"`
		Pool     pool.CounterSnapshot     `json:"pool"`
		Checks   []checkJSON              `json:"checks,omitempty"`
	}{rep.RunID, rep.Product, rep.Elapsed.Seconds(), rep.Backends, rep.Pool, checks}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func writeErrorBuckets(w io.Writer, buckets map[string]map[string]int, indent string) {
	rows := metrics.FlattenErrorBuckets(buckets)
	if len(rows) == 0 {
		fmt.Fprintf(w, "%sNone\n", indent)
		return
	}
	for _, row := range rows {
		fmt.Fprintf(
			w,
			"%s%s %s: %d\n",
			indent,
			strings.ToUpper(row.Backend),
			row.Label,
			row.Count,
		)
	}
}
