// Package loadgen drives continuous probe traffic against all three read
// paths, holding each at its target concurrency.
package loadgen

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/tracing"
)

const (
	// DefaultTick is the supervisory cadence at which concurrency deficits
	// are filled.
	DefaultTick = 500 * time.Millisecond
	// DefaultProbeTimeout bounds one probe end to end, acquire included.
	DefaultProbeTimeout = 120 * time.Second
	// DefaultLaunchRate caps probe launches per backend per second, so a
	// backend failing instantly cannot spin the scheduler hot.
	DefaultLaunchRate = 50.0
)

// Options configure the Generator.
type Options struct {
	Tick         time.Duration
	ProbeTimeout time.Duration
	// BaseWorkers is the steady concurrency per backend.
	BaseWorkers int
	// ReadyWorkers is the streaming concurrency while the readiness index
	// is present.
	ReadyWorkers int
	// LaunchRate caps probe launches per backend per second; zero or
	// negative means uncapped.
	LaunchRate float64
	// Product supplies the id probed next. Defaults to product 1.
	Product func() int
	// Ready reports whether the streaming path earned its boosted
	// concurrency. Defaults to never ready.
	Ready func() bool

	// Relation overrides per backend; empty fields keep the defaults.
	BaselineRelation  string
	CachedRelation    string
	StreamingRelation string

	Tracer trace.Tracer
}

func (o *Options) normalize() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.BaseWorkers < 1 {
		o.BaseWorkers = 1
	}
	if o.ReadyWorkers < o.BaseWorkers {
		o.ReadyWorkers = o.BaseWorkers
	}
	if o.Product == nil {
		o.Product = func() int { return 1 }
	}
	if o.Ready == nil {
		o.Ready = func() bool { return false }
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("freshbench")
	}
}

func (o *Options) relationFor(b backend.Backend) string {
	var override string
	switch b {
	case backend.Baseline:
		override = o.BaselineRelation
	case backend.CachedTable:
		override = o.CachedRelation
	case backend.Streaming:
		override = o.StreamingRelation
	}
	if override != "" {
		return override
	}
	return b.DefaultRelation()
}

// Generator keeps a fixed worker pool per backend and tops each backend up
// to its current concurrency target every tick. Targets shrink without
// killing in-flight probes; excess probes just finish and are not replaced.
type Generator struct {
	pools   *pool.Manager
	store   *metrics.StatsStore
	sets    *metrics.Set
	product func() int
	ready   func() bool
	tracer  trace.Tracer
	log     zerolog.Logger

	tick         time.Duration
	probeTimeout time.Duration
	baseWorkers  int
	readyWorkers int

	queries   [3]string
	relations [3]string
	limiters  [3]*rate.Limiter
	jobs      [3]chan struct{}
	inflight  [3]atomic.Int32
	paused    [3]atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	finished chan struct{}
	active   int32
	wg       sync.WaitGroup
}

func New(pools *pool.Manager, store *metrics.StatsStore, sets *metrics.Set, opts Options, log zerolog.Logger) *Generator {
	opts.normalize()
	g := &Generator{
		pools:        pools,
		store:        store,
		sets:         sets,
		product:      opts.Product,
		ready:        opts.Ready,
		tracer:       opts.Tracer,
		log:          log,
		tick:         opts.Tick,
		probeTimeout: opts.ProbeTimeout,
		baseWorkers:  opts.BaseWorkers,
		readyWorkers: opts.ReadyWorkers,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	for _, b := range backend.All() {
		g.relations[b] = opts.relationFor(b)
		g.queries[b] = backend.LookupQuery(g.relations[b])
		g.limiters[b] = newLaunchLimiter(opts.LaunchRate)
		g.jobs[b] = make(chan struct{}, g.workersFor(b))
	}
	return g
}

func newLaunchLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// workersFor is the hard ceiling per backend: enough workers to serve the
// largest target the backend can be assigned.
func (g *Generator) workersFor(b backend.Backend) int {
	if b == backend.Streaming {
		return g.readyWorkers
	}
	return g.baseWorkers
}

// limitFor is the current concurrency target.
func (g *Generator) limitFor(b backend.Backend) int {
	if g.paused[b].Load() {
		return 0
	}
	if b == backend.Streaming {
		if !g.pools.StreamingAvailable() {
			return 0
		}
		if g.ready() {
			return g.readyWorkers
		}
	}
	return g.baseWorkers
}

// SetTrafficEnabled pauses or resumes scheduling for one backend. Pausing
// stops new probes only: in-flight probes finish and pools stay warm.
func (g *Generator) SetTrafficEnabled(b backend.Backend, enabled bool) {
	g.paused[b].Store(!enabled)
}

// TrafficEnabled reports whether the backend is being scheduled.
func (g *Generator) TrafficEnabled(b backend.Backend) bool {
	return !g.paused[b].Load()
}

// Probe runs one lookup against the backend and records the outcome. Every
// completion lands in the lifetime histogram and advances the live windows;
// a lookup that finds no row is still a completion, recorded with a nil row
// so the last good price is retained. Errors never bump the live clock, so
// a backend that only fails goes visibly stale instead of looking served.
func (g *Generator) Probe(ctx context.Context, b backend.Backend) (time.Duration, *metrics.Row, error) {
	ctx, span := tracing.StartSpan(ctx, g.tracer, "probe."+b.Key(),
		attribute.String("db.collection.name", g.relations[b]))

	start := time.Now()
	row, err := g.lookup(ctx, b)
	took := time.Since(start)
	tracing.EndSpan(span, err,
		attribute.Float64("probe.duration_ms", float64(took)/float64(time.Millisecond)))

	switch {
	case err == nil:
		g.sets.For(b).RecordProbe(took, nil)
		g.store.RecordObservation(b, took, row)
	case errors.Is(err, context.Canceled):
		// Aborted by the caller or shutdown. Says nothing about the backend.
	default:
		g.sets.For(b).RecordProbe(took, err)
		g.log.Debug().Err(err).Str("backend", b.Key()).Msg("probe failed")
	}
	return took, row, err
}

func (g *Generator) lookup(ctx context.Context, b backend.Backend) (row *metrics.Row, err error) {
	conn, err := g.pools.Acquire(ctx, b)
	if err != nil {
		return nil, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	var r metrics.Row
	if err = conn.QueryRow(ctx, g.queries[b], g.product()).Scan(&r.ProductID, &r.Price, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The product is absent from this relation (not refreshed or
			// not replicated yet). The backend answered; the probe
			// completed without a row.
			err = nil
		}
		return nil, err
	}
	return &r, nil
}

// Start launches the worker pools and the supervisory loop.
func (g *Generator) Start() {
	if !atomic.CompareAndSwapInt32(&g.active, 0, 1) {
		return // already running
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	for _, b := range backend.All() {
		for i := 0; i < g.workersFor(b); i++ {
			g.wg.Add(1)
			go g.worker(b)
		}
	}
	go g.run()
}

// Stop cancels in-flight probes, halts scheduling, and waits for the
// workers to exit.
func (g *Generator) Stop() {
	if atomic.CompareAndSwapInt32(&g.active, 1, 0) {
		close(g.done)
		g.cancel()
		<-g.finished
		g.wg.Wait()
	}
}

func (g *Generator) run() {
	defer close(g.finished)
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	g.schedule()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.schedule()
		}
	}
}

func (g *Generator) schedule() {
	for _, b := range backend.All() {
		g.scheduleBackend(b)
	}
}

func (g *Generator) scheduleBackend(b backend.Backend) {
	limit := int32(g.limitFor(b))
	for g.inflight[b].Load() < limit {
		if !g.limiters[b].Allow() {
			return
		}
		g.inflight[b].Add(1)
		select {
		case g.jobs[b] <- struct{}{}:
		default:
			g.inflight[b].Add(-1)
			return
		}
	}
}

func (g *Generator) worker(b backend.Backend) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case <-g.jobs[b]:
			g.runScheduled(b)
			g.inflight[b].Add(-1)
		}
	}
}

func (g *Generator) runScheduled(b backend.Backend) {
	ctx, cancel := context.WithTimeout(g.ctx, g.probeTimeout)
	defer cancel()
	g.Probe(ctx, b)
}
