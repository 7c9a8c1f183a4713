// Package freshness correlates heartbeat sequences between the primary and
// the streaming replica to measure end-to-end replication lag, and tracks
// whether the replica's pricing index exists.
package freshness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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
	// DefaultInterval is the correlation cadence.
	DefaultInterval = time.Second
	// DefaultBudget bounds the streaming-side fetch. The replica can stall
	// for minutes under strict serializable isolation without being down.
	DefaultBudget = 300 * time.Second
	// DefaultIndexName is the replica index whose presence marks the
	// streaming path ready for full concurrency.
	DefaultIndexName = "dynamic_pricing_product_id_idx"

	indexAttempts = 3
	indexBackoff  = time.Second
)

// ErrNoHeartbeats is returned while either heartbeat table is still empty.
var ErrNoHeartbeats = errors.New("heartbeat tables are empty")

const (
	primaryHeartbeat       = `SELECT heartbeat_id, heartbeat_time, clock_timestamp() FROM heartbeats ORDER BY heartbeat_id DESC LIMIT 1`
	streamingHeartbeatTmpl = `SELECT heartbeat_id, heartbeat_time FROM %s.heartbeats ORDER BY heartbeat_id DESC LIMIT 1`
	indexLookup            = `SELECT count(*) FROM mz_catalog.mz_indexes WHERE name = $1`
)

// Sample is one successful correlation.
type Sample struct {
	LagSeconds   float64
	PrimarySeq   int64
	StreamingSeq int64
}

// Options configure the Correlator.
type Options struct {
	Interval time.Duration
	// Budget bounds each streaming-side fetch.
	Budget time.Duration
	// Schema is the replica schema holding the mirrored heartbeats table.
	Schema string
	// Relation is the replica pricing relation the readiness index covers.
	Relation  string
	IndexName string
	Tracer    trace.Tracer
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	if o.Schema == "" {
		o.Schema = "freshmart"
	}
	if o.Relation == "" {
		o.Relation = backend.Streaming.DefaultRelation()
	}
	if o.IndexName == "" {
		o.IndexName = DefaultIndexName
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("freshbench")
	}
}

// Correlator measures replication lag once per interval and keeps the
// readiness flag the load generator consults for streaming concurrency.
type Correlator struct {
	pools  *pool.Manager
	store  *metrics.StatsStore
	budget time.Duration
	tracer trace.Tracer
	log    zerolog.Logger

	streamingSQL   string
	relation       string
	indexName      string
	qualifiedIndex string

	ready    atomic.Bool
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	active   int32
}

func New(pools *pool.Manager, store *metrics.StatsStore, opts Options, log zerolog.Logger) *Correlator {
	opts.normalize()
	return &Correlator{
		pools:          pools,
		store:          store,
		budget:         opts.Budget,
		tracer:         opts.Tracer,
		log:            log,
		streamingSQL:   fmt.Sprintf(streamingHeartbeatTmpl, opts.Schema),
		relation:       opts.Relation,
		indexName:      opts.IndexName,
		qualifiedIndex: opts.Schema + "." + opts.IndexName,
		ticker:         time.NewTicker(opts.Interval),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}
}

// Ready reports the cached readiness of the streaming path: the replica is
// reachable and its pricing index exists.
func (c *Correlator) Ready() bool { return c.ready.Load() }

// CorrelateOnce fetches the newest heartbeat from both systems and publishes
// the lag. The replica caught up (or ahead) reads as zero lag; behind, the
// lag is the heartbeat gap plus the age of the primary's newest beat, all on
// the primary's clock.
func (c *Correlator) CorrelateOnce(ctx context.Context) (Sample, error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, "freshness.correlate")

	sample, err := c.correlate(ctx)
	tracing.EndSpan(span, err,
		attribute.Float64("freshness.lag_s", sample.LagSeconds))
	return sample, err
}

func (c *Correlator) correlate(ctx context.Context) (Sample, error) {
	primarySeq, primaryAt, now, err := c.fetchPrimary(ctx)
	if err != nil {
		return Sample{}, err
	}

	streamingSeq, streamingAt, err := c.fetchStreaming(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoHeartbeats) {
			// The replica is unreachable or missing its relations: its
			// stats are unknowable, not merely old.
			c.store.MarkUnavailable(backend.Streaming)
			c.ready.Store(false)
		}
		return Sample{}, err
	}

	sample := Sample{PrimarySeq: primarySeq, StreamingSeq: streamingSeq}
	if primarySeq > streamingSeq {
		lag := primaryAt.Sub(streamingAt).Seconds() + now.Sub(primaryAt).Seconds()
		if lag > 0 {
			sample.LagSeconds = lag
		}
	}
	c.store.SetFreshnessLag(sample.LagSeconds)
	return sample, nil
}

func (c *Correlator) fetchPrimary(ctx context.Context) (seq int64, at, now time.Time, err error) {
	conn, err := c.pools.Acquire(ctx, backend.Baseline)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	err = conn.QueryRow(ctx, primaryHeartbeat).Scan(&seq, &at, &now)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoHeartbeats
	}
	return seq, at, now, err
}

func (c *Correlator) fetchStreaming(ctx context.Context) (seq int64, at time.Time, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	conn, err := c.pools.Acquire(ctx, backend.Streaming)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	err = conn.QueryRow(ctx, c.streamingSQL).Scan(&seq, &at)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNoHeartbeats
	}
	return seq, at, err
}

// IndexExists checks for the readiness index on the replica, retrying
// transient connection loss, and refreshes the cached readiness flag.
func (c *Correlator) IndexExists(ctx context.Context) (bool, error) {
	delay := indexBackoff
	var lastErr error
	for attempt := 1; attempt <= indexAttempts; attempt++ {
		exists, err := c.lookupIndex(ctx)
		if err == nil {
			c.ready.Store(exists)
			return exists, nil
		}
		lastErr = err
		if !pool.IsStale(err) || attempt == indexAttempts {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("index check lost connection, retrying")
		select {
		case <-ctx.Done():
			c.ready.Store(false)
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	c.ready.Store(false)
	return false, lastErr
}

func (c *Correlator) lookupIndex(ctx context.Context) (exists bool, err error) {
	conn, err := c.pools.Acquire(ctx, backend.Streaming)
	if err != nil {
		return false, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	var n int64
	if err = conn.QueryRow(ctx, indexLookup, c.indexName).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ToggleIndex creates the readiness index when absent and drops it when
// present, returning the resulting existence.
func (c *Correlator) ToggleIndex(ctx context.Context) (bool, error) {
	exists, err := c.IndexExists(ctx)
	if err != nil {
		return false, err
	}

	conn, err := c.pools.Acquire(ctx, backend.Streaming)
	if err != nil {
		return exists, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	target := !exists
	if exists {
		_, err = conn.Exec(ctx, "DROP INDEX "+c.qualifiedIndex)
	} else {
		_, err = conn.Exec(ctx, "CREATE INDEX "+c.indexName+" ON "+c.relation+" (product_id)")
	}
	if err != nil {
		return exists, err
	}
	c.ready.Store(target)
	return target, nil
}

// Start begins the correlation loop in a background goroutine.
func (c *Correlator) Start() {
	if !atomic.CompareAndSwapInt32(&c.active, 0, 1) {
		return // already running
	}
	go c.run()
}

// Stop halts the loop and waits for it to exit.
func (c *Correlator) Stop() {
	if atomic.CompareAndSwapInt32(&c.active, 1, 0) {
		close(c.done)
		c.ticker.Stop()
		<-c.finished
	}
}

func (c *Correlator) run() {
	defer close(c.finished)
	for {
		select {
		case <-c.ticker.C:
			c.tick()
		case <-c.done:
			return
		}
	}
}

func (c *Correlator) tick() {
	sample, err := c.CorrelateOnce(context.Background())
	switch {
	case err == nil:
		c.log.Debug().Float64("lag_s", sample.LagSeconds).
			Int64("primary_seq", sample.PrimarySeq).
			Int64("streaming_seq", sample.StreamingSeq).
			Msg("freshness correlated")
	case errors.Is(err, ErrNoHeartbeats):
		c.log.Debug().Msg("no heartbeats to correlate yet")
	default:
		c.log.Warn().Err(err).Msg("freshness correlation failed")
	}

	if _, err := c.IndexExists(context.Background()); err != nil && !errors.Is(err, pool.ErrStreamingUnavailable) {
		c.log.Debug().Err(err).Msg("readiness index check failed")
	}
}
