// Package engine composes the benchmark's subsystems and exposes the
// operation surface the API and dashboard drive: probes, snapshots,
// refresh control, traffic and index toggles, promotion flips.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/catalog"
	"github.com/torosent/freshbench/internal/config"
	"github.com/torosent/freshbench/internal/freshness"
	"github.com/torosent/freshbench/internal/heartbeat"
	"github.com/torosent/freshbench/internal/loadgen"
	"github.com/torosent/freshbench/internal/metrics"
	"github.com/torosent/freshbench/internal/pool"
	"github.com/torosent/freshbench/internal/refresher"
	"github.com/torosent/freshbench/internal/threshold"
	"github.com/torosent/freshbench/internal/tracing"
)

// ErrUnknownProduct rejects product switches to ids outside the catalog.
var ErrUnknownProduct = errors.New("product not in catalog")

// ErrNoPromotion reports a promotion toggle for a product with no
// promotion row.
var ErrNoPromotion = errors.New("no promotion row")

const (
	togglePromotionSQL = `UPDATE promotions SET active = NOT active, updated_at = NOW() WHERE product_id = $1 RETURNING updated_at, active`
	databaseSizeSQL    = `SELECT pg_database_size(current_database()), pg_size_pretty(pg_database_size(current_database()))`
)

// Options configure the engine.
type Options struct {
	Config   *config.Config
	Products *catalog.Catalog
	RunID    string
	// Checks are evaluated against every snapshot for /healthz violations.
	Checks []threshold.Threshold
	// DriverName selects the database/sql driver; tests inject a fake.
	DriverName string
	Tracer     trace.Tracer
}

// Engine owns construction and lifecycle of the pools, the stats store,
// the lifetime collectors, and the four daemons. All inbound operations
// go through it.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	runID    string
	products *catalog.Catalog
	tracer   trace.Tracer

	pools      *pool.Manager
	store      *metrics.StatsStore
	sets       *metrics.Set
	beats      *heartbeat.Publisher
	refresher  *refresher.Refresher
	correlator *freshness.Correlator
	generator  *loadgen.Generator
	evaluator  *threshold.Evaluator
	events     *EventLog

	product atomic.Int64
	active  int32
}

func New(opts Options, log zerolog.Logger) *Engine {
	cfg := opts.Config
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("freshbench")
	}
	if opts.Products == nil {
		opts.Products, _ = catalog.Load("", "", cfg.ProductID)
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		runID:    opts.RunID,
		products: opts.Products,
		tracer:   opts.Tracer,

		store:     metrics.NewStore(cfg.StaleAfter),
		sets:      metrics.NewSet(),
		evaluator: threshold.NewEvaluator(opts.Checks),
		events:    NewEventLog(DefaultEventCapacity),
	}

	initial := cfg.ProductID
	if !e.products.Contains(initial) {
		initial = e.products.First()
	}
	e.product.Store(int64(initial))

	e.pools = pool.NewManager(pool.Settings{
		PrimaryDSN:       cfg.PrimaryDSN,
		StreamingDSN:     cfg.StreamingDSN,
		DriverName:       opts.DriverName,
		AppName:          "freshbench",
		RunID:            opts.RunID,
		AcquireTimeout:   cfg.AcquireTimeout,
		RotationInterval: cfg.RotationInterval,
		Isolation:        cfg.Isolation,
		OnRotation: func(took time.Duration, err error) {
			if err != nil {
				e.events.Record("rotation", "streaming pool rotation failed: %v", err)
				return
			}
			e.events.Record("rotation", "streaming pool rotated in %s", took.Round(time.Millisecond))
		},
	}, log)

	e.beats = heartbeat.New(e.pools, heartbeat.Options{
		Product: e.Product,
		Tracer:  opts.Tracer,
	}, log)

	e.refresher = refresher.New(e.pools, e.store, refresher.Options{
		Interval: cfg.RefreshInterval,
		Relation: cfg.Relations.Cached,
		Tracer:   opts.Tracer,
		OnRefresh: func(took time.Duration, err error) {
			if err != nil {
				e.events.Record("refresh", "cache refresh failed: %v", err)
				return
			}
			e.events.Record("refresh", "cache refreshed in %s", took.Round(time.Millisecond))
		},
	}, log)

	e.correlator = freshness.New(e.pools, e.store, freshness.Options{
		Budget:   cfg.CorrelationTimeout,
		Schema:   cfg.Relations.StreamingSchema,
		Relation: cfg.Relations.Streaming,
		Tracer:   opts.Tracer,
	}, log)

	e.generator = loadgen.New(e.pools, e.store, e.sets, loadgen.Options{
		ProbeTimeout:      cfg.ProbeTimeout,
		BaseWorkers:       cfg.BaseWorkers,
		ReadyWorkers:      cfg.ReadyWorkers,
		LaunchRate:        float64(cfg.LaunchRate),
		Product:           e.Product,
		Ready:             e.correlator.Ready,
		BaselineRelation:  cfg.Relations.Baseline,
		CachedRelation:    cfg.Relations.Cached,
		StreamingRelation: cfg.Relations.Streaming,
		Tracer:            opts.Tracer,
	}, log)

	return e
}

// Start brings the subsystems up in dependency order. A primary pool
// failure aborts; a streaming failure leaves the engine running degraded.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.active, 0, 1) {
		return nil // already running
	}
	if err := e.pools.Initialize(ctx); err != nil {
		atomic.StoreInt32(&e.active, 0)
		return fmt.Errorf("initialize pools: %w", err)
	}

	e.beats.Start()
	e.refresher.Start()
	e.correlator.Start()
	e.generator.Start()
	e.pools.StartRotation()

	e.log.Info().Str("run_id", e.runID).Int("product_id", e.Product()).Msg("engine started")
	return nil
}

// Stop tears down in reverse order. Every subsystem stop is bounded, so a
// wedged probe cannot hang shutdown past its grace budget.
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.active, 1, 0) {
		return
	}

	e.pools.StopRotation()
	e.generator.Stop()
	e.correlator.Stop()
	e.refresher.Stop()
	e.beats.Stop()
	e.pools.Close()

	e.log.Info().Msg("engine stopped")
}

// RunID returns the identifier stamped on this run.
func (e *Engine) RunID() string { return e.runID }

// Product returns the actively probed product id.
func (e *Engine) Product() int { return int(e.product.Load()) }

// SetProduct switches the actively probed product. The id must be in the
// catalog.
func (e *Engine) SetProduct(id int) error {
	if !e.products.Contains(id) {
		return fmt.Errorf("product %d: %w", id, ErrUnknownProduct)
	}
	old := e.product.Swap(int64(id))
	if int(old) != id {
		e.events.Record("product", "active product %d -> %d", old, id)
	}
	return nil
}

// NextProduct advances to the catalog's next product and returns it.
func (e *Engine) NextProduct() int {
	id := e.products.Next()
	old := e.product.Swap(int64(id))
	if int(old) != id {
		e.events.Record("product", "active product %d -> %d", old, id)
	}
	return id
}

func (e *Engine) meta() metrics.Meta {
	return metrics.Meta{
		RunID:           e.runID,
		Product:         e.Product(),
		Isolation:       e.pools.IsolationLevel(),
		RefreshInterval: e.refresher.Interval(),
	}
}

// Snapshot renders the current staleness-gated view of all backends.
func (e *Engine) Snapshot() metrics.Snapshot {
	return e.store.Snapshot(e.meta())
}

// LifetimeStats returns cumulative per-backend stats since start.
func (e *Engine) LifetimeStats() map[string]metrics.Stats {
	return e.sets.LifetimeStats()
}

// Elapsed reports time since the collectors started.
func (e *Engine) Elapsed() time.Duration { return e.sets.Elapsed() }

// Collector returns the backend's lifetime collector.
func (e *Engine) Collector(b backend.Backend) *metrics.Collector {
	return e.sets.For(b)
}

// Probe runs one on-demand probe against the backend and records it like
// any generated probe.
func (e *Engine) Probe(ctx context.Context, b backend.Backend) (time.Duration, *metrics.Row, error) {
	return e.generator.Probe(ctx, b)
}

// RefreshInterval returns the cache refresh cadence.
func (e *Engine) RefreshInterval() time.Duration {
	return e.refresher.Interval()
}

// SetRefreshInterval reconfigures the refresh cadence and returns the
// previous one. Sub-second intervals are rejected.
func (e *Engine) SetRefreshInterval(d time.Duration) (time.Duration, error) {
	old, err := e.refresher.SetInterval(d)
	if err != nil {
		return old, err
	}
	if old != d {
		e.events.Record("interval", "refresh interval %s -> %s", old, d)
	}
	return old, nil
}

// ForceRefresh refreshes the cached table immediately, outside the loop's
// cadence.
func (e *Engine) ForceRefresh(ctx context.Context) (time.Duration, error) {
	return e.refresher.RefreshOnce(ctx)
}

// TrafficEnabled reports whether generated probes flow to the backend.
func (e *Engine) TrafficEnabled(b backend.Backend) bool {
	return e.generator.TrafficEnabled(b)
}

// SetTrafficEnabled pauses or resumes generated probes for one backend.
func (e *Engine) SetTrafficEnabled(b backend.Backend, enabled bool) {
	if e.generator.TrafficEnabled(b) == enabled {
		return
	}
	e.generator.SetTrafficEnabled(b, enabled)
	state := "paused"
	if enabled {
		state = "resumed"
	}
	e.events.Record("traffic", "%s traffic %s", b.Key(), state)
}

// ToggleTraffic flips the backend's pause flag and returns the new state.
func (e *Engine) ToggleTraffic(b backend.Backend) bool {
	enabled := !e.generator.TrafficEnabled(b)
	e.SetTrafficEnabled(b, enabled)
	return enabled
}

// IndexExists reports whether the streaming readiness index is present.
func (e *Engine) IndexExists(ctx context.Context) (bool, error) {
	return e.correlator.IndexExists(ctx)
}

// ToggleReadinessIndex creates or drops the streaming readiness index and
// returns the resulting existence.
func (e *Engine) ToggleReadinessIndex(ctx context.Context) (bool, error) {
	exists, err := e.correlator.ToggleIndex(ctx)
	if err != nil {
		return exists, err
	}
	if exists {
		e.events.Record("index", "readiness index created")
	} else {
		e.events.Record("index", "readiness index dropped")
	}
	return exists, nil
}

// IsolationLevel returns the streaming pool's isolation level.
func (e *Engine) IsolationLevel() string {
	return e.pools.IsolationLevel()
}

// ToggleIsolation flips the streaming isolation between serializable and
// strict serializable and returns the new level.
func (e *Engine) ToggleIsolation() string {
	level := e.pools.ToggleIsolation()
	e.events.Record("isolation", "streaming isolation set to %s", level)
	return level
}

// TogglePromotion flips the product's promotion row on the primary. The
// price then visibly moves through all three read paths.
func (e *Engine) TogglePromotion(ctx context.Context, productID int) (active bool, updatedAt time.Time, err error) {
	ctx, span := tracing.StartSpan(ctx, e.tracer, "promotion.toggle",
		attribute.Int("product_id", productID))
	defer func() {
		tracing.EndSpan(span, err, attribute.Bool("promotion.active", active))
	}()

	conn, err := e.pools.Acquire(ctx, backend.Baseline)
	if err != nil {
		return false, time.Time{}, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	if err = conn.QueryRow(ctx, togglePromotionSQL, productID).Scan(&updatedAt, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("product %d: %w", productID, ErrNoPromotion)
		}
		return false, time.Time{}, err
	}

	e.events.Record("promotion", "promotion for product %d now active=%v", productID, active)
	return active, updatedAt, nil
}

// DatabaseSize reports the primary database's size.
type DatabaseSize struct {
	Bytes  int64   `json:"size_bytes"`
	Pretty string  `json:"size_pretty"`
	GB     float64 `json:"size_gb"`
}

func (e *Engine) DatabaseSize(ctx context.Context) (size DatabaseSize, err error) {
	conn, err := e.pools.Acquire(ctx, backend.Baseline)
	if err != nil {
		return DatabaseSize{}, err
	}
	defer func() {
		if pool.IsStale(err) || pool.IsTimeout(err) {
			conn.MarkStale()
		}
		conn.Release()
	}()

	if err = conn.QueryRow(ctx, databaseSizeSQL).Scan(&size.Bytes, &size.Pretty); err != nil {
		return DatabaseSize{}, err
	}
	size.GB = math.Round(float64(size.Bytes)/(1<<30)*100) / 100
	return size, nil
}

// PoolCounters returns the managers' cumulative acquire/release counters.
func (e *Engine) PoolCounters() pool.CounterSnapshot {
	return e.pools.Counters()
}

// PoolStats returns the live per-family connection stats.
func (e *Engine) PoolStats() []pool.Stat {
	return e.pools.Stats()
}

// StreamingAvailable reports whether a streaming pool is installed.
func (e *Engine) StreamingAvailable() bool {
	return e.pools.StreamingAvailable()
}

// Ready reports whether the streaming path passed its readiness probe.
func (e *Engine) Ready() bool {
	return e.correlator.Ready()
}

// Evaluate runs the configured threshold checks against a fresh snapshot.
func (e *Engine) Evaluate() []threshold.Result {
	return e.evaluator.Evaluate(e.Snapshot())
}

// Health is the /healthz payload.
type Health struct {
	Status             string   `json:"status"`
	StreamingAvailable bool     `json:"streaming_available"`
	HeartbeatAgeS      *float64 `json:"heartbeat_age_s,omitempty"`
	Violations         []string `json:"violations,omitempty"`
}

// Health reports liveness. Status degrades only on a missing streaming
// pool; threshold violations are listed but do not flip it.
func (e *Engine) Health() Health {
	h := Health{
		Status:             "ok",
		StreamingAvailable: e.pools.StreamingAvailable(),
	}
	if !h.StreamingAvailable {
		h.Status = "degraded"
	}
	if beat, ok := e.beats.Latest(); ok {
		// Primary and local clocks mix here; the age is informational.
		age := time.Since(beat.At).Seconds()
		h.HeartbeatAgeS = &age
	}
	for _, v := range e.evaluator.Violations(e.Snapshot()) {
		h.Violations = append(h.Violations, v.Message)
	}
	return h
}

// Events returns up to n recent operator events, newest first.
func (e *Engine) Events(n int) []Event {
	return e.events.Recent(n)
}
