package threshold

import (
	"strings"
	"testing"
	"time"

	"github.com/torosent/freshbench/internal/metrics"
)

func f64(v float64) *float64 { return &v }

func sampleSnapshot() metrics.Snapshot {
	return metrics.Snapshot{
		ServerTime: time.Now(),
		Backends: map[string]metrics.BackendSnapshot{
			"baseline": {
				Available: true,
				QPS:       f64(120.5),
				Latency:   &metrics.WindowStats{Max: 48.2, Avg: 12.4, P99: 30.1},
				EndToEnd:  &metrics.WindowStats{Max: 140.0, Avg: 90.5, P99: 130.2},
			},
			"cached_table": {
				Available:     true,
				QPS:           f64(80.0),
				Latency:       &metrics.WindowStats{Max: 9.8, Avg: 2.1, P99: 6.3},
				EndToEnd:      &metrics.WindowStats{Max: 61000, Avg: 30000, P99: 59000},
				FreshnessLagS: f64(42.0),
			},
			"streaming": {
				Available:     true,
				QPS:           f64(210.3),
				Latency:       &metrics.WindowStats{Max: 30.0, Avg: 8.7, P99: 22.5},
				EndToEnd:      &metrics.WindowStats{Max: 400.1, Avg: 180.0, P99: 320.4},
				FreshnessLagS: f64(2.5),
			},
		},
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      Threshold
		wantError bool
	}{
		{
			name:  "valid p99 latency threshold",
			input: "baseline:p99 < 25",
			want: Threshold{
				Subject:   "baseline",
				Aggregate: "p99",
				Operator:  "<",
				Value:     25,
				Raw:       "baseline:p99 < 25",
			},
			wantError: false,
		},
		{
			name:  "valid replica lag threshold",
			input: "freshness:lag_s < 10",
			want: Threshold{
				Subject:   "freshness",
				Aggregate: "lag_s",
				Operator:  "<",
				Value:     10,
				Raw:       "freshness:lag_s < 10",
			},
			wantError: false,
		},
		{
			name:  "valid e2e p99 with <=",
			input: "streaming:e2e_p99 <= 250",
			want: Threshold{
				Subject:   "streaming",
				Aggregate: "e2e_p99",
				Operator:  "<=",
				Value:     250,
				Raw:       "streaming:e2e_p99 <= 250",
			},
			wantError: false,
		},
		{
			name:  "valid qps threshold with >",
			input: "streaming:qps > 100",
			want: Threshold{
				Subject:   "streaming",
				Aggregate: "qps",
				Operator:  ">",
				Value:     100,
				Raw:       "streaming:qps > 100",
			},
			wantError: false,
		},
		{
			name:  "valid avg latency",
			input: "cached_table:avg < 5",
			want: Threshold{
				Subject:   "cached_table",
				Aggregate: "avg",
				Operator:  "<",
				Value:     5,
				Raw:       "cached_table:avg < 5",
			},
			wantError: false,
		},
		{
			name:      "empty string",
			input:     "",
			wantError: true,
		},
		{
			name:      "invalid format - missing operator",
			input:     "baseline:p99 500",
			wantError: true,
		},
		{
			name:      "invalid subject",
			input:     "orders:p99 < 500",
			wantError: true,
		},
		{
			name:      "invalid aggregate",
			input:     "baseline:p85 < 500",
			wantError: true,
		},
		{
			name:      "invalid operator",
			input:     "baseline:p99 << 500",
			wantError: true,
		},
		{
			name:      "invalid value - not a number",
			input:     "baseline:p99 < abc",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("Parse() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError {
				if got.Subject != tt.want.Subject {
					t.Errorf("Parse() Subject = %v, want %v", got.Subject, tt.want.Subject)
				}
				if got.Aggregate != tt.want.Aggregate {
					t.Errorf("Parse() Aggregate = %v, want %v", got.Aggregate, tt.want.Aggregate)
				}
				if got.Operator != tt.want.Operator {
					t.Errorf("Parse() Operator = %v, want %v", got.Operator, tt.want.Operator)
				}
				if got.Value != tt.want.Value {
					t.Errorf("Parse() Value = %v, want %v", got.Value, tt.want.Value)
				}
				if got.Raw != tt.want.Raw {
					t.Errorf("Parse() Raw = %v, want %v", got.Raw, tt.want.Raw)
				}
			}
		})
	}
}

func TestParseMultiple(t *testing.T) {
	tests := []struct {
		name      string
		input     []string
		wantCount int
		wantError bool
	}{
		{
			name: "multiple valid thresholds",
			input: []string{
				"baseline:p99 < 25",
				"freshness:lag_s < 10",
				"streaming:qps > 100",
			},
			wantCount: 3,
			wantError: false,
		},
		{
			name:      "empty slice",
			input:     []string{},
			wantCount: 0,
			wantError: false,
		},
		{
			name: "one valid, one invalid",
			input: []string{
				"baseline:p99 < 25",
				"invalid threshold",
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMultiple(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ParseMultiple() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && len(got) != tt.wantCount {
				t.Errorf("ParseMultiple() returned %d thresholds, want %d", len(got), tt.wantCount)
			}
		})
	}
}

func TestEvaluator(t *testing.T) {
	snap := sampleSnapshot()

	tests := []struct {
		name       string
		thresholds []string
		wantPass   []bool
	}{
		{
			name: "all thresholds pass",
			thresholds: []string{
				"baseline:p99 < 50",
				"freshness:lag_s < 10",
				"streaming:qps > 100",
			},
			wantPass: []bool{true, true, true},
		},
		{
			name: "some thresholds fail",
			thresholds: []string{
				"baseline:p99 < 10",
				"cached_table:avg < 1",
				"streaming:qps > 100",
			},
			wantPass: []bool{false, false, true},
		},
		{
			name: "end to end aggregates",
			thresholds: []string{
				"streaming:e2e_avg < 200",
				"streaming:e2e_p99 < 350",
			},
			wantPass: []bool{true, true},
		},
		{
			name: "per backend lag",
			thresholds: []string{
				"cached_table:lag_s < 60",
				"streaming:lag_s < 1",
			},
			wantPass: []bool{true, false},
		},
		{
			name: "avg and max latency",
			thresholds: []string{
				"baseline:avg < 15",
				"baseline:max < 50",
				"cached_table:max <= 9.8",
			},
			wantPass: []bool{true, true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thresholds, err := ParseMultiple(tt.thresholds)
			if err != nil {
				t.Fatalf("ParseMultiple() error = %v", err)
			}

			evaluator := NewEvaluator(thresholds)
			results := evaluator.Evaluate(snap)

			if len(results) != len(tt.wantPass) {
				t.Fatalf("got %d results, want %d", len(results), len(tt.wantPass))
			}

			for i, result := range results {
				if result.Pass != tt.wantPass[i] {
					t.Errorf("threshold[%d] %q: got pass=%v, want %v (actual=%.2f)",
						i, result.Threshold.Raw, result.Pass, tt.wantPass[i], result.Actual)
				}
			}
		})
	}
}

func TestViolations(t *testing.T) {
	thresholds, err := ParseMultiple([]string{
		"baseline:p99 < 10",
		"freshness:lag_s < 10",
		"streaming:qps > 500",
	})
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}

	failed := NewEvaluator(thresholds).Violations(sampleSnapshot())
	if len(failed) != 2 {
		t.Fatalf("got %d violations, want 2", len(failed))
	}
	if failed[0].Threshold.Raw != "baseline:p99 < 10" {
		t.Errorf("violations[0] = %q, want the p99 threshold", failed[0].Threshold.Raw)
	}
	if failed[1].Threshold.Raw != "streaming:qps > 500" {
		t.Errorf("violations[1] = %q, want the qps threshold", failed[1].Threshold.Raw)
	}
}

func TestEvaluatorStalledBackend(t *testing.T) {
	snap := sampleSnapshot()
	snap.Backends["streaming"] = metrics.BackendSnapshot{Available: false}

	thresholds, err := ParseMultiple([]string{"freshness:lag_s < 10"})
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}

	results := NewEvaluator(thresholds).Evaluate(snap)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Pass {
		t.Error("stalled backend should fail its thresholds")
	}
	if !strings.Contains(results[0].Message, "no live window") {
		t.Errorf("Message = %q, want a no-live-window error", results[0].Message)
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name     string
		actual   float64
		operator string
		expected float64
		want     bool
	}{
		{"less than true", 50, "<", 100, true},
		{"less than false", 100, "<", 50, false},
		{"less than equal", 100, "<", 100, false},
		{"less than or equal true", 50, "<=", 100, true},
		{"less than or equal equal", 100, "<=", 100, true},
		{"less than or equal false", 150, "<=", 100, false},
		{"greater than true", 150, ">", 100, true},
		{"greater than false", 50, ">", 100, false},
		{"greater than equal", 100, ">", 100, false},
		{"greater than or equal true", 150, ">=", 100, true},
		{"greater than or equal equal", 100, ">=", 100, true},
		{"greater than or equal false", 50, ">=", 100, false},
		{"equal true", 100, "==", 100, true},
		{"equal false", 100, "==", 101, false},
		{"equal with floating point precision", 100.0000000001, "==", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareValues(tt.actual, tt.operator, tt.expected)
			if got != tt.want {
				t.Errorf("compareValues(%.2f, %s, %.2f) = %v, want %v",
					tt.actual, tt.operator, tt.expected, got, tt.want)
			}
		})
	}
}

func TestExtractSnapshotValue(t *testing.T) {
	snap := sampleSnapshot()

	tests := []struct {
		name      string
		threshold Threshold
		want      float64
		wantError bool
	}{
		{
			name:      "baseline p99",
			threshold: Threshold{Subject: "baseline", Aggregate: "p99"},
			want:      30.1,
		},
		{
			name:      "baseline avg",
			threshold: Threshold{Subject: "baseline", Aggregate: "avg"},
			want:      12.4,
		},
		{
			name:      "baseline max",
			threshold: Threshold{Subject: "baseline", Aggregate: "max"},
			want:      48.2,
		},
		{
			name:      "streaming qps",
			threshold: Threshold{Subject: "streaming", Aggregate: "qps"},
			want:      210.3,
		},
		{
			name:      "streaming e2e avg",
			threshold: Threshold{Subject: "streaming", Aggregate: "e2e_avg"},
			want:      180.0,
		},
		{
			name:      "streaming e2e p99",
			threshold: Threshold{Subject: "streaming", Aggregate: "e2e_p99"},
			want:      320.4,
		},
		{
			name:      "streaming lag",
			threshold: Threshold{Subject: "streaming", Aggregate: "lag_s"},
			want:      2.5,
		},
		{
			name:      "cached table refresh age",
			threshold: Threshold{Subject: "cached_table", Aggregate: "lag_s"},
			want:      42.0,
		},
		{
			name:      "freshness aliases streaming lag",
			threshold: Threshold{Subject: "freshness", Aggregate: "lag_s"},
			want:      2.5,
		},
		{
			name:      "freshness rejects other aggregates",
			threshold: Threshold{Subject: "freshness", Aggregate: "p99"},
			wantError: true,
		},
		{
			name:      "no lag published for baseline",
			threshold: Threshold{Subject: "baseline", Aggregate: "lag_s"},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractSnapshotValue(tt.threshold, snap)
			if (err != nil) != tt.wantError {
				t.Errorf("extractSnapshotValue() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && got != tt.want {
				t.Errorf("extractSnapshotValue() = %v, want %v", got, tt.want)
			}
		})
	}
}
