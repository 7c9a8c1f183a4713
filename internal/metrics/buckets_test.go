package metrics_test

import (
	"reflect"
	"testing"

	"github.com/torosent/freshbench/internal/metrics"
)

func TestFlattenErrorBuckets(t *testing.T) {
	buckets := map[string]map[string]int{
		"streaming": {
			"Relation missing": 4,
			"Query timeout":    4,
		},
		"baseline": {
			"Query timeout": 9,
		},
	}

	rows := metrics.FlattenErrorBuckets(buckets)
	want := []metrics.ErrorBucket{
		{Backend: "baseline", Label: "Query timeout", Count: 9},
		{Backend: "streaming", Label: "Query timeout", Count: 4},
		{Backend: "streaming", Label: "Relation missing", Count: 4},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("expected %v, got %v", want, rows)
	}
}

func TestFlattenErrorBucketsEmpty(t *testing.T) {
	if rows := metrics.FlattenErrorBuckets(nil); rows != nil {
		t.Errorf("expected nil for empty input, got %v", rows)
	}
}
