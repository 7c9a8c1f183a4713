package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/torosent/freshbench/internal/backend"
)

const (
	// WindowCap bounds every rolling sample window.
	WindowCap = 100
	// qpsHorizon is how far back completions count toward QPS.
	qpsHorizon = time.Second
	// DefaultStaleAfter gates snapshot publication: a backend whose last
	// observation is older than this reports unavailable.
	DefaultStaleAfter = 2 * time.Second
)

// Row is the projection every probe reads. JSON names mirror the queried
// columns.
type Row struct {
	ProductID int       `json:"product_id"`
	Price     float64   `json:"adjusted_price"`
	UpdatedAt time.Time `json:"last_update_time"`
}

type sample struct {
	ms float64
	at time.Time
}

// record is the per-backend rolling state. Only StatsStore touches it.
type record struct {
	completions []time.Time
	latency     []sample
	endToEnd    []sample
	price       float64
	hasPrice    bool
	lastUpdated time.Time
}

// StatsStore is the single aggregation point for live observations. One
// mutex orders every mutation, so each fold is atomic with respect to
// snapshots.
type StatsStore struct {
	mu         sync.Mutex
	recs       [3]record
	refreshDur []sample
	lag        float64
	lagKnown   bool
	staleAfter time.Duration

	now func() time.Time // swapped by tests
}

func NewStore(staleAfter time.Duration) *StatsStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &StatsStore{staleAfter: staleAfter, now: time.Now}
}

// RecordObservation folds one probe completion: the QPS window always
// advances, the latency window gets the duration, and when the probe
// produced a row the price and end-to-end windows update too. A nil row
// never erases the last good price.
func (s *StatsStore) RecordObservation(b backend.Backend, d time.Duration, row *Row) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := &s.recs[b]

	r.completions = append(r.completions, now)
	r.completions = evictBefore(r.completions, now.Add(-qpsHorizon))

	r.latency = appendCapped(r.latency, sample{ms: toMs(d), at: now})

	if row != nil {
		r.price = row.Price
		r.hasPrice = true
		if !row.UpdatedAt.IsZero() {
			r.endToEnd = appendCapped(r.endToEnd, sample{ms: toMs(now.Sub(row.UpdatedAt)), at: now})
		}
	}
	if now.After(r.lastUpdated) {
		r.lastUpdated = now
	}
}

// RecordRefresh folds one materialized view refresh duration.
func (s *StatsStore) RecordRefresh(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDur = appendCapped(s.refreshDur, sample{ms: toMs(d), at: s.now()})
}

// SetFreshnessLag publishes the latest streaming lag in seconds.
func (s *StatsStore) SetFreshnessLag(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	s.lag = seconds
	s.lagKnown = true
}

// MarkUnavailable zeroes the backend's freshness clock so the next
// snapshot reports it unavailable until a new observation lands.
func (s *StatsStore) MarkUnavailable(b backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[b].lastUpdated = time.Time{}
}

// WindowStats summarizes one rolling window in milliseconds.
type WindowStats struct {
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P99 float64 `json:"p99"`
}

// BackendSnapshot is the published view of one backend. While the backend
// is stalled every field is null: a stall is signaled, never papered over
// with old numbers.
type BackendSnapshot struct {
	Available       bool         `json:"available"`
	QPS             *float64     `json:"qps"`
	Latency         *WindowStats `json:"latency_ms"`
	EndToEnd        *WindowStats `json:"end_to_end_ms"`
	Price           *float64     `json:"price"`
	LastUpdated     *time.Time   `json:"last_updated"`
	RefreshDuration *WindowStats `json:"refresh_duration_ms,omitempty"`
	FreshnessLagS   *float64     `json:"freshness_lag_s,omitempty"`
}

// Meta carries the run-level fields stamped onto each snapshot.
type Meta struct {
	RunID           string
	Product         int
	Isolation       string
	RefreshInterval time.Duration
}

// Snapshot is the full published state, serialized as-is on the metrics
// endpoint and the WebSocket stream.
type Snapshot struct {
	RunID            string                     `json:"run_id,omitempty"`
	ServerTime       time.Time                  `json:"server_time"`
	Product          int                        `json:"product_id"`
	Isolation        string                     `json:"isolation,omitempty"`
	RefreshIntervalS float64                    `json:"refresh_interval_s"`
	Backends         map[string]BackendSnapshot `json:"backends"`
}

// Snapshot renders the current state under the staleness gate.
func (s *StatsStore) Snapshot(meta Meta) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		RunID:            meta.RunID,
		ServerTime:       now,
		Product:          meta.Product,
		Isolation:        meta.Isolation,
		RefreshIntervalS: meta.RefreshInterval.Seconds(),
		Backends:         make(map[string]BackendSnapshot, len(s.recs)),
	}
	for _, b := range backend.All() {
		snap.Backends[b.Key()] = s.backendSnapshot(b, now)
	}
	return snap
}

func (s *StatsStore) backendSnapshot(b backend.Backend, now time.Time) BackendSnapshot {
	r := &s.recs[b]
	if r.lastUpdated.IsZero() || now.Sub(r.lastUpdated) > s.staleAfter {
		return BackendSnapshot{}
	}

	out := BackendSnapshot{Available: true}

	r.completions = evictBefore(r.completions, now.Add(-qpsHorizon))
	qps := windowQPS(r.completions)
	out.QPS = &qps

	if len(r.latency) > 0 {
		lat := computeStats(r.latency)
		out.Latency = &lat
	}
	if len(r.endToEnd) > 0 {
		e2e := computeStats(r.endToEnd)
		out.EndToEnd = &e2e
	}
	if r.hasPrice {
		price := r.price
		out.Price = &price
	}
	updated := r.lastUpdated
	out.LastUpdated = &updated

	if b == backend.CachedTable && len(s.refreshDur) > 0 {
		ref := computeStats(s.refreshDur)
		out.RefreshDuration = &ref
		// Cached-path freshness is the age of the newest completed refresh.
		age := now.Sub(s.refreshDur[len(s.refreshDur)-1].at).Seconds()
		out.FreshnessLagS = &age
	}
	if b == backend.Streaming && s.lagKnown {
		lag := s.lag
		out.FreshnessLagS = &lag
	}
	return out
}

// windowQPS divides the completion count by the window span, floored at
// the horizon so a burst inside one second cannot inflate the rate.
func windowQPS(completions []time.Time) float64 {
	if len(completions) == 0 {
		return 0
	}
	span := completions[len(completions)-1].Sub(completions[0])
	if span < qpsHorizon {
		span = qpsHorizon
	}
	return float64(len(completions)) / span.Seconds()
}

// computeStats summarizes a window. The 99th percentile is nearest-rank
// over the sorted window once it holds a full WindowCap of samples; on
// smaller windows it degrades to the max, which overshoots rather than
// undershoots.
func computeStats(window []sample) WindowStats {
	var out WindowStats
	if len(window) == 0 {
		return out
	}
	sum := 0.0
	for _, s := range window {
		if s.ms > out.Max {
			out.Max = s.ms
		}
		sum += s.ms
	}
	out.Avg = sum / float64(len(window))

	if len(window) < WindowCap {
		out.P99 = out.Max
		return out
	}
	sorted := make([]float64, len(window))
	for i, s := range window {
		sorted[i] = s.ms
	}
	sort.Float64s(sorted)
	rank := int(math.Ceil(float64(len(sorted)) * 0.99))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	out.P99 = sorted[rank-1]
	return out
}

func appendCapped(window []sample, s sample) []sample {
	window = append(window, s)
	if len(window) > WindowCap {
		window = window[len(window)-WindowCap:]
	}
	return window
}

func evictBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
