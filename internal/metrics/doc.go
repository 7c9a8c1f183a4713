// Package metrics aggregates probe observations for the three read paths.
//
// Two views answer two different questions:
//
//   - [StatsStore] holds short rolling windows per backend and answers
//     "what is happening right now": QPS over a one second horizon,
//     latency and end-to-end staleness over the last hundred probes, the
//     last good price, and a staleness gate that reports a backend as
//     unavailable instead of serving stale numbers.
//
//   - [Collector] accumulates since process start: totals, an HDR
//     histogram of latencies, and an error breakdown by friendly label.
//     It feeds the shutdown report and the lifetime stats endpoint.
//
// All mutation funnels through one mutex per type. Recording is safe from
// any goroutine:
//
//	store.RecordObservation(backend.Baseline, latency, &metrics.Row{
//		ProductID: 1,
//		Price:     9.99,
//		UpdatedAt: updated,
//	})
//
//	snap := store.Snapshot(metrics.Meta{Product: 1})
package metrics
