package metrics

import "sort"

// ErrorBucket represents the aggregated failure count for a backend/label
// pair.
type ErrorBucket struct {
	Backend string
	Label   string
	Count   int
}

// FlattenErrorBuckets converts a nested backend->label map into a sorted
// slice of ErrorBucket rows. Rows are sorted by descending count, then by
// backend/label for stability.
func FlattenErrorBuckets(buckets map[string]map[string]int) []ErrorBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]ErrorBucket, 0)
	for backendKey, labels := range buckets {
		for label, count := range labels {
			rows = append(rows, ErrorBucket{Backend: backendKey, Label: label, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Backend == rows[j].Backend {
				return rows[i].Label < rows[j].Label
			}
			return rows[i].Backend < rows[j].Backend
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
