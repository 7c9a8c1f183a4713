// Package heartbeat writes the once-a-second pulse every freshness
// measurement hangs off: a monotone heartbeat row on the primary plus a
// touch of the active product's update time, committed together.
package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/tracing"
)

const (
	// DefaultInterval is the publish cadence.
	DefaultInterval = time.Second

	cycleTimeout = 10 * time.Second
)

const (
	insertHeartbeat = `INSERT INTO heartbeats (heartbeat_time) VALUES (clock_timestamp()) RETURNING heartbeat_id, heartbeat_time`
	touchProduct    = `UPDATE products SET last_update_time = $2 WHERE product_id = $1`
)

// Beat is one published heartbeat: its monotone sequence id and commit
// timestamp, both on the primary's clock.
type Beat struct {
	Seq int64
	At  time.Time
}

// Options configure the Publisher.
type Options struct {
	Interval time.Duration
	// Product returns the currently active product id (required).
	Product func() int
	Tracer  trace.Tracer
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("freshbench")
	}
}

// Publisher runs the heartbeat loop. A failed cycle is logged and absorbed;
// the loop never stops on its own.
type Publisher struct {
	pools   *pool.Manager
	product func() int
	tracer  trace.Tracer
	log     zerolog.Logger

	latest   atomic.Pointer[Beat]
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	active   int32
}

func New(pools *pool.Manager, opts Options, log zerolog.Logger) *Publisher {
	opts.normalize()
	return &Publisher{
		pools:    pools,
		product:  opts.Product,
		tracer:   opts.Tracer,
		log:      log,
		ticker:   time.NewTicker(opts.Interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Latest returns the most recently committed heartbeat, if any.
func (p *Publisher) Latest() (Beat, bool) {
	b := p.latest.Load()
	if b == nil {
		return Beat{}, false
	}
	return *b, true
}

// PublishOnce runs one heartbeat cycle: insert the heartbeat row, touch
// the active product, commit, publish.
func (p *Publisher) PublishOnce(ctx context.Context) (Beat, error) {
	product := p.product()
	ctx, span := tracing.StartSpan(ctx, p.tracer, "heartbeat.publish",
		attribute.Int("product_id", product))

	beat, err := p.publish(ctx, product)
	tracing.EndSpan(span, err,
		attribute.Int64("heartbeat_id", beat.Seq))
	return beat, err
}

func (p *Publisher) publish(ctx context.Context, product int) (Beat, error) {
	conn, err := p.pools.Acquire(ctx, backend.Baseline)
	if err != nil {
		return Beat{}, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Beat{}, err
	}

	var beat Beat
	if err = tx.QueryRowContext(ctx, insertHeartbeat).Scan(&beat.Seq, &beat.At); err != nil {
		tx.Rollback()
		return Beat{}, err
	}
	if _, err = tx.ExecContext(ctx, touchProduct, product, beat.At); err != nil {
		tx.Rollback()
		return Beat{}, err
	}
	if err = tx.Commit(); err != nil {
		return Beat{}, err
	}

	p.latest.Store(&beat)
	return beat, nil
}

// Start begins publishing in a background goroutine.
func (p *Publisher) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts publishing and waits for the loop to exit.
func (p *Publisher) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *Publisher) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
			if _, err := p.PublishOnce(ctx); err != nil {
				p.log.Warn().Err(err).Msg("heartbeat publish failed")
			}
			cancel()
		case <-p.done:
			return
		}
	}
}
