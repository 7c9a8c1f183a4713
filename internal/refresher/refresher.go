// Package refresher re-materializes the cached pricing table on a runtime
// configurable cadence and records how long each refresh took.
package refresher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/tracing"
)

const (
	// DefaultInterval is the refresh cadence until reconfigured.
	DefaultInterval = 60 * time.Second
	// MinInterval is the smallest cadence SetInterval accepts.
	MinInterval = time.Second

	refreshTimeout = 120 * time.Second
	maxAttempts    = 3
	retryBackoff   = time.Second
)

// ErrIntervalTooShort is returned by SetInterval for cadences under MinInterval.
var ErrIntervalTooShort = errors.New("refresh interval must be at least 1s")

const (
	// REFRESH takes an exclusive lock on the view; the LOCAL timeouts keep a
	// wedged refresh from pinning the connection past the cycle budget.
	applyTimeouts = `SET LOCAL statement_timeout = '120s'; SET LOCAL lock_timeout = '120s'; SET LOCAL idle_in_transaction_session_timeout = '120s'`

	upsertRefreshLog = `INSERT INTO materialized_view_refresh_log (view_name, last_refresh, refresh_duration)
VALUES ($1, now(), $2)
ON CONFLICT (view_name) DO UPDATE SET last_refresh = EXCLUDED.last_refresh, refresh_duration = EXCLUDED.refresh_duration`
)

// Options configure the Refresher.
type Options struct {
	Interval time.Duration
	// Relation is the materialized view to refresh. Defaults to the cached
	// path's relation.
	Relation string
	Tracer   trace.Tracer
	// OnRefresh observes every refresh attempt, forced or scheduled.
	OnRefresh func(took time.Duration, err error)
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Relation == "" {
		o.Relation = backend.CachedTable.DefaultRelation()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("freshbench")
	}
}

// Refresher runs the refresh loop: refresh, then wait out the remainder of
// the interval. Failed refreshes retry up to maxAttempts per cycle; an
// exhausted cycle is logged and the loop moves on.
type Refresher struct {
	pools     *pool.Manager
	store     *metrics.StatsStore
	relation  string
	tracer    trace.Tracer
	onRefresh func(time.Duration, error)
	log       zerolog.Logger

	interval     atomic.Int64 // nanoseconds
	reconfigured chan struct{}
	done         chan struct{}
	finished     chan struct{}
	active       int32
}

func New(pools *pool.Manager, store *metrics.StatsStore, opts Options, log zerolog.Logger) *Refresher {
	opts.normalize()
	r := &Refresher{
		pools:        pools,
		store:        store,
		relation:     opts.Relation,
		tracer:       opts.Tracer,
		onRefresh:    opts.OnRefresh,
		log:          log,
		reconfigured: make(chan struct{}, 1),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	r.interval.Store(int64(opts.Interval))
	return r
}

// Interval returns the current refresh cadence.
func (r *Refresher) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the refresh cadence and wakes the loop so the change
// applies to the in-flight wait. Cadences under MinInterval are rejected
// without mutating the current one. Returns the previous cadence.
func (r *Refresher) SetInterval(d time.Duration) (time.Duration, error) {
	if d < MinInterval {
		return r.Interval(), ErrIntervalTooShort
	}
	old := time.Duration(r.interval.Swap(int64(d)))
	select {
	case r.reconfigured <- struct{}{}:
	default:
	}
	return old, nil
}

// RefreshOnce runs a single refresh: re-materialize the view, stamp the
// refresh log, and record the duration.
func (r *Refresher) RefreshOnce(ctx context.Context) (time.Duration, error) {
	ctx, span := tracing.StartSpan(ctx, r.tracer, "cache.refresh",
		attribute.String("db.collection.name", r.relation))

	took, err := r.refresh(ctx)
	tracing.EndSpan(span, err,
		attribute.Float64("refresh.duration_s", took.Seconds()))

	if err == nil {
		r.store.RecordRefresh(took)
	}
	if r.onRefresh != nil {
		r.onRefresh(took, err)
	}
	return took, err
}

func (r *Refresher) refresh(ctx context.Context) (took time.Duration, err error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	conn, err := r.pools.Acquire(ctx, backend.CachedTable)
	if err != nil {
		return 0, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, applyTimeouts); err != nil {
		tx.Rollback()
		return 0, err
	}

	start := time.Now()
	if _, err = tx.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+r.relation); err != nil {
		tx.Rollback()
		return 0, err
	}
	took = time.Since(start)

	if _, err = tx.ExecContext(ctx, upsertRefreshLog, r.relation, took.Seconds()); err != nil {
		tx.Rollback()
		return took, err
	}
	if err = tx.Commit(); err != nil {
		return took, err
	}
	return took, nil
}

// Start begins the refresh loop in a background goroutine. The first
// refresh runs immediately.
func (r *Refresher) Start() {
	if !atomic.CompareAndSwapInt32(&r.active, 0, 1) {
		return // already running
	}
	go r.run()
}

// Stop halts the loop and waits for it to exit.
func (r *Refresher) Stop() {
	if atomic.CompareAndSwapInt32(&r.active, 1, 0) {
		close(r.done)
		<-r.finished
	}
}

func (r *Refresher) run() {
	defer close(r.finished)
	for {
		start := time.Now()
		r.cycle()

		// Wait out the remainder of the interval. A reconfigure wakes the
		// wait so the new cadence applies against the same cycle start.
		for {
			wait := r.Interval() - time.Since(start)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-r.done:
				timer.Stop()
				return
			case <-r.reconfigured:
				timer.Stop()
				continue
			case <-timer.C:
			}
			break
		}

		select {
		case <-r.done:
			return
		default:
		}
	}
}

func (r *Refresher) cycle() {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := r.RefreshOnce(context.Background())
		if err == nil {
			return
		}
		if attempt == maxAttempts {
			r.log.Error().Err(err).Int("attempts", attempt).Msg("cache refresh failed")
			return
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("cache refresh failed, retrying")
		select {
		case <-r.done:
			return
		case <-time.After(retryBackoff):
		}
	}
}
