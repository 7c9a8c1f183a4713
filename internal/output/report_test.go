package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/threshold"
)

func sampleReport() Report {
	return Report{
		RunID:   "r-123",
		Product: 7,
		Elapsed: 90 * time.Second,
		Backends: map[string]metrics.Stats{
			"baseline": {
				Total:        900,
				Successes:    890,
				Failures:     10,
				MinLatency:   2 * time.Millisecond,
				MaxLatency:   120 * time.Millisecond,
				MeanLatency:  11 * time.Millisecond,
				P50Latency:   9 * time.Millisecond,
				P90Latency:   30 * time.Millisecond,
				P99Latency:   80 * time.Millisecond,
				ProbesPerSec: 10.0,
				Errors:       map[string]int{"Timeout": 10},
			},
			"cached_table": {
				Total:        450,
				Successes:    450,
				MinLatency:   time.Millisecond,
				MaxLatency:   20 * time.Millisecond,
				MeanLatency:  3 * time.Millisecond,
				P50Latency:   2 * time.Millisecond,
				P90Latency:   8 * time.Millisecond,
				P99Latency:   15 * time.Millisecond,
				ProbesPerSec: 5.0,
			},
			"streaming": {
				Total:        1800,
				Successes:    1795,
				Failures:     5,
				MinLatency:   time.Millisecond,
				MaxLatency:   60 * time.Millisecond,
				MeanLatency:  6 * time.Millisecond,
				P50Latency:   5 * time.Millisecond,
				P90Latency:   18 * time.Millisecond,
				P99Latency:   40 * time.Millisecond,
				ProbesPerSec: 20.0,
				Errors:       map[string]int{"Connection Refused": 5},
			},
		},
		Pool: pool.CounterSnapshot{
			Acquires:         3150,
			AcquireRetries:   4,
			Releases:         3150,
			Discards:         2,
			Rotations:        3,
			RotationFailures: 1,
		},
		Checks: []threshold.Result{
			{
				Threshold: threshold.Threshold{Subject: "baseline", Aggregate: "p99", Operator: "<", Value: 100, Raw: "baseline:p99 < 100"},
				Actual:    80,
				Pass:      true,
				Message:   "✓ baseline:p99 < 100: 80.00 < 100.00",
			},
			{
				Threshold: threshold.Threshold{Subject: "streaming", Aggregate: "lag_s", Operator: "<", Value: 1, Raw: "streaming:lag_s < 1"},
				Actual:    2.5,
				Pass:      false,
				Message:   "✗ streaming:lag_s < 1: 2.50 < 1.00",
			},
		},
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleReport())

	output := buf.String()
	for _, want := range []string{
		"Freshness Benchmark Results",
		"Run ID:            r-123",
		"Baseline View:",
		"Cached Table:",
		"Streaming Replica:",
		"900 (890 ok, 10 failed)",
		"Probes/sec:      20.00",
		"Error Breakdown:",
		"BASELINE Timeout: 10",
		"STREAMING Connection Refused: 5",
		"Rotations:       3 (failures 1)",
		"Threshold Checks:",
		"✗ streaming:lag_s < 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
}

func TestPrintReportSkipsMissingBackends(t *testing.T) {
	rep := sampleReport()
	delete(rep.Backends, "cached_table")
	delete(rep.Backends, "streaming")

	var buf bytes.Buffer
	PrintReport(&buf, rep)

	output := buf.String()
	if strings.Contains(output, "Cached Table:") {
		t.Error("report includes cached table section without stats")
	}
	if strings.Contains(output, "Streaming Replica:") {
		t.Error("report includes streaming section without stats")
	}
	if !strings.Contains(output, "Baseline View:") {
		t.Error("report missing baseline section")
	}
}

func TestPrintReportOmitsEmptySections(t *testing.T) {
	rep := sampleReport()
	rep.Checks = nil
	for key, stats := range rep.Backends {
		stats.Errors = nil
		rep.Backends[key] = stats
	}

	var buf bytes.Buffer
	PrintReport(&buf, rep)

	output := buf.String()
	if strings.Contains(output, "Error Breakdown:") {
		t.Error("report includes error breakdown with no errors")
	}
	if strings.Contains(output, "Threshold Checks:") {
		t.Error("report includes threshold section with no checks")
	}
}

func TestPrintJSONReport(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, sampleReport()); err != nil {
		t.Fatalf("PrintJSONReport() error = %v", err)
	}

	body := buf.String()
	if got := gjson.Get(body, "run_id").String(); got != "r-123" {
		t.Errorf("run_id = %q, want r-123", got)
	}
	if got := gjson.Get(body, "elapsed_s").Float(); got != 90 {
		t.Errorf("elapsed_s = %v, want 90", got)
	}
	if got := gjson.Get(body, "backends.baseline.total").Int(); got != 900 {
		t.Errorf("backends.baseline.total = %d, want 900", got)
	}
	if got := gjson.Get(body, "backends.streaming.errors.Connection Refused").Int(); got != 5 {
		t.Errorf("streaming error count = %d, want 5", got)
	}
	if got := gjson.Get(body, "pool.acquires").Int(); got != 3150 {
		t.Errorf("pool.acquires = %d, want 3150", got)
	}
	if got := gjson.Get(body, "checks.#").Int(); got != 2 {
		t.Errorf("checks length = %d, want 2", got)
	}
	if gjson.Get(body, "checks.1.pass").Bool() {
		t.Error("checks.1.pass = true, want false")
	}
}

func TestPrintJSONReportOmitsChecksWhenEmpty(t *testing.T) {
	rep := sampleReport()
	rep.Checks = nil

	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, rep); err != nil {
		t.Fatalf("PrintJSONReport() error = %v", err)
	}
	if gjson.Get(buf.String(), "checks").Exists() {
		t.Error("checks present in JSON with no configured thresholds")
	}
}
