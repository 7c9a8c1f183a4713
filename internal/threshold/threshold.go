package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
)

// Threshold represents a live-metrics assertion that can pass or fail.
type Threshold struct {
	Subject   string  // e.g., "baseline", "streaming", "freshness"
	Aggregate string  // e.g., "p99", "avg", "qps", "lag_s"
	Operator  string  // e.g., "<", "<=", ">", ">=", "=="
	Value     float64 // The threshold value to compare against
	Raw       string  // Original threshold string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against live snapshots.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{
		thresholds: thresholds,
	}
}

// Evaluate checks all thresholds against the provided snapshot.
func (e *Evaluator) Evaluate(snap metrics.Snapshot) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}

	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		result := e.evaluateOne(t, snap)
		results = append(results, result)
	}
	return results
}

// Violations returns only the failing results for a snapshot.
func (e *Evaluator) Violations(snap metrics.Snapshot) []Result {
	var failed []Result
	for _, r := range e.Evaluate(snap) {
		if !r.Pass {
			failed = append(failed, r)
		}
	}
	return failed
}

func (e *Evaluator) evaluateOne(t Threshold, snap metrics.Snapshot) Result {
	actual, err := extractSnapshotValue(t, snap)
	if err != nil {
		return Result{
			Threshold: t,
			Actual:    0,
			Pass:      false,
			Message:   fmt.Sprintf("✗ %s: %v", t.Raw, err),
		}
	}

	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}

	message := fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value)
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   message,
	}
}

// Parse parses a threshold string into a Threshold struct.
// Supported formats:
// - "baseline:p99 < 25"         (window p99 latency in ms)
// - "cached_table:avg < 5"      (window average latency in ms)
// - "streaming:qps > 40"        (observed probes per second)
// - "streaming:e2e_p99 < 250"   (end-to-end staleness p99 in ms)
// - "freshness:lag_s < 10"      (replica lag in seconds)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}

	// Pattern: subject:aggregate operator value
	// e.g., "streaming:e2e_p99 < 250"
	pattern := regexp.MustCompile(`^([a-z_]+):([a-z0-9_]+)\s*([<>=!]+)\s*([0-9.]+)$`)
	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected format: subject:aggregate operator value, e.g., 'freshness:lag_s < 10')", s)
	}

	subject := matches[1]
	aggregate := matches[2]
	operator := matches[3]
	valueStr := matches[4]

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", valueStr, err)
	}

	// Validate subject
	if !isValidSubject(subject) {
		return Threshold{}, fmt.Errorf("unsupported subject: %q (supported: baseline, cached_table, streaming, freshness)", subject)
	}

	// Validate aggregate
	if !isValidAggregate(aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate: %q (supported: qps, avg, max, p99, e2e_avg, e2e_p99, lag_s)", aggregate)
	}

	// Validate operator
	if !isValidOperator(operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}

	return Threshold{
		Subject:   subject,
		Aggregate: aggregate,
		Operator:  operator,
		Value:     value,
		Raw:       s,
	}, nil
}

// ParseMultiple parses multiple threshold strings.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}

	result := make([]Threshold, 0, len(thresholds))
	var errors []string

	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errors = append(errors, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errors, "; "))
	}

	return result, nil
}

func isValidSubject(subject string) bool {
	if subject == "freshness" {
		return true
	}
	for _, b := range backend.All() {
		if subject == b.Key() {
			return true
		}
	}
	return false
}

func isValidAggregate(aggregate string) bool {
	valid := []string{"qps", "avg", "max", "p99", "e2e_avg", "e2e_p99", "lag_s"}
	for _, v := range valid {
		if aggregate == v {
			return true
		}
	}
	return false
}

func isValidOperator(operator string) bool {
	valid := []string{"<", "<=", ">", ">=", "=="}
	for _, v := range valid {
		if operator == v {
			return true
		}
	}
	return false
}

func extractSnapshotValue(t Threshold, snap metrics.Snapshot) (float64, error) {
	key := t.Subject
	if key == "freshness" {
		// Shorthand for the streaming replica's correlated lag.
		if t.Aggregate != "lag_s" {
			return 0, fmt.Errorf("unsupported aggregate %q for freshness (use 'lag_s')", t.Aggregate)
		}
		key = backend.Streaming.Key()
	}

	b, ok := snap.Backends[key]
	if !ok {
		return 0, fmt.Errorf("backend %q missing from snapshot", key)
	}
	if !b.Available {
		return 0, fmt.Errorf("%s has no live window", key)
	}

	switch t.Aggregate {
	case "qps":
		if b.QPS == nil {
			return 0, fmt.Errorf("no live qps for %s", key)
		}
		return *b.QPS, nil
	case "avg", "max", "p99":
		return extractWindowValue(t.Aggregate, b.Latency, key, "latency")
	case "e2e_avg", "e2e_p99":
		return extractWindowValue(strings.TrimPrefix(t.Aggregate, "e2e_"), b.EndToEnd, key, "end-to-end")
	case "lag_s":
		if b.FreshnessLagS == nil {
			return 0, fmt.Errorf("no live lag for %s", key)
		}
		return *b.FreshnessLagS, nil
	default:
		return 0, fmt.Errorf("unknown aggregate: %s", t.Aggregate)
	}
}

func extractWindowValue(aggregate string, w *metrics.WindowStats, key, kind string) (float64, error) {
	if w == nil {
		return 0, fmt.Errorf("no live %s window for %s", kind, key)
	}
	switch aggregate {
	case "avg":
		return w.Avg, nil
	case "max":
		return w.Max, nil
	case "p99":
		return w.P99, nil
	default:
		return 0, fmt.Errorf("unsupported %s aggregate: %s", kind, aggregate)
	}
}

func compareValues(actual float64, operator string, expected float64) bool {
	// Handle floating point comparison with small epsilon
	epsilon := 1e-9

	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
