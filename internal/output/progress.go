package output

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/threshold"
)

// DefaultProgressInterval is used when no cadence is configured.
const DefaultProgressInterval = 10 * time.Second

// Source supplies the live data the reporter logs each tick.
type Source interface {
	Snapshot() metrics.Snapshot
	Evaluate() []threshold.Result
}

// ProgressReporter logs a compact per-backend status line on a fixed
// cadence, plus the verdict of every configured threshold check.
type ProgressReporter struct {
	src      Source
	log      zerolog.Logger
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	active   int32
}

// NewProgressReporter creates a progress reporter that logs at the
// given interval.
func NewProgressReporter(src Source, interval time.Duration, log zerolog.Logger) *ProgressReporter {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressReporter{
		src:      src,
		log:      log,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start begins logging progress in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress logging.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			p.report()
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) report() {
	snap := p.src.Snapshot()

	for _, b := range backend.All() {
		bs, ok := snap.Backends[b.Key()]
		if !ok {
			continue
		}
		if !bs.Available {
			p.log.Info().Str("backend", b.Key()).Bool("stale", true).Msg("progress")
			continue
		}

		evt := p.log.Info().Str("backend", b.Key())
		if bs.QPS != nil {
			evt = evt.Float64("qps", round1(*bs.QPS))
		}
		if bs.Latency != nil {
			evt = evt.Float64("p99_ms", round1(bs.Latency.P99))
		}
		if bs.EndToEnd != nil {
			evt = evt.Float64("e2e_p99_ms", round1(bs.EndToEnd.P99))
		}
		if bs.FreshnessLagS != nil {
			evt = evt.Float64("lag_s", round1(*bs.FreshnessLagS))
		}
		if bs.Price != nil {
			evt = evt.Float64("price", *bs.Price)
		}
		evt.Msg("progress")
	}

	for _, r := range p.src.Evaluate() {
		evt := p.log.Debug()
		if !r.Pass {
			evt = p.log.Warn()
		}
		evt.Str("check", r.Threshold.Raw).Msg(r.Message)
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
