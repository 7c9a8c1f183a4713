package engine_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/catalog"
	"github.com/torosent/freshbench/internal/config"
	"github.com/torosent/freshbench/internal/dbtest"
	"github.com/torosent/freshbench/internal/engine"
	"github.com/torosent/freshbench/internal/refresher"
	"github.com/torosent/freshbench/internal/threshold"
)

var priceTime = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		PrimaryDSN:         "postgres://primary",
		StreamingDSN:       "postgres://streaming",
		ListenAddr:         "127.0.0.1:0",
		ProductID:          1,
		Isolation:          config.IsolationSerializable,
		RefreshInterval:    time.Second,
		RotationInterval:   time.Hour,
		ProbeTimeout:       5 * time.Second,
		AcquireTimeout:     time.Second,
		CorrelationTimeout: time.Second,
		StaleAfter:         2 * time.Second,
		BaseWorkers:        1,
		ReadyWorkers:       2,
		ProgressInterval:   10 * time.Second,
		LagCeiling:         10 * time.Second,
		LogLevel:           "disabled",
		LogFormat:          config.LogFormatConsole,
	}
}

func newTestEngine(t *testing.T, mutate func(*config.Config, *engine.Options)) (*engine.Engine, *dbtest.State) {
	t.Helper()

	driverName, state := dbtest.Register()
	state.Respond("adjusted_price",
		[]string{"product_id", "adjusted_price", "last_update_time"},
		[]driver.Value{int64(1), 9.99, priceTime})

	products, err := catalog.Static(1, 2, 3)
	if err != nil {
		t.Fatalf("Static() error = %v", err)
	}

	cfg := testConfig()
	opts := engine.Options{
		Config:     cfg,
		Products:   products,
		RunID:      "testrun",
		DriverName: driverName,
	}
	if mutate != nil {
		mutate(cfg, &opts)
	}
	return engine.New(opts, zerolog.Nop()), state
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(eng.Stop)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func hasEvent(events []engine.Event, kind string) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestProductSwitching(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	if got := eng.Product(); got != 1 {
		t.Fatalf("initial Product() = %d, want 1", got)
	}

	if err := eng.SetProduct(2); err != nil {
		t.Fatalf("SetProduct(2) error = %v", err)
	}
	if got := eng.Product(); got != 2 {
		t.Errorf("Product() = %d, want 2", got)
	}

	err := eng.SetProduct(99)
	if !errors.Is(err, engine.ErrUnknownProduct) {
		t.Errorf("SetProduct(99) error = %v, want ErrUnknownProduct", err)
	}
	if got := eng.Product(); got != 2 {
		t.Errorf("Product() after rejected switch = %d, want 2", got)
	}

	// Round-robin wraps after the last catalog entry.
	want := []int{1, 2, 3, 1}
	for i, w := range want {
		if got := eng.NextProduct(); got != w {
			t.Fatalf("NextProduct()[%d] = %d, want %d", i, got, w)
		}
	}

	if !hasEvent(eng.Events(10), "product") {
		t.Error("expected a product event after switching")
	}
}

func TestInitialProductFallsBackToCatalog(t *testing.T) {
	eng, _ := newTestEngine(t, func(cfg *config.Config, _ *engine.Options) {
		cfg.ProductID = 7 // not in the catalog
	})

	if got := eng.Product(); got != 1 {
		t.Errorf("Product() = %d, want the catalog's first id", got)
	}
}

func TestSetRefreshInterval(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	if got := eng.RefreshInterval(); got != time.Second {
		t.Fatalf("RefreshInterval() = %v, want 1s", got)
	}

	if _, err := eng.SetRefreshInterval(500 * time.Millisecond); !errors.Is(err, refresher.ErrIntervalTooShort) {
		t.Errorf("SetRefreshInterval(500ms) error = %v, want ErrIntervalTooShort", err)
	}
	if got := eng.RefreshInterval(); got != time.Second {
		t.Errorf("RefreshInterval() after rejected change = %v, want 1s", got)
	}

	old, err := eng.SetRefreshInterval(2 * time.Second)
	if err != nil {
		t.Fatalf("SetRefreshInterval(2s) error = %v", err)
	}
	if old != time.Second {
		t.Errorf("old interval = %v, want 1s", old)
	}
	if got := eng.RefreshInterval(); got != 2*time.Second {
		t.Errorf("RefreshInterval() = %v, want 2s", got)
	}

	if !hasEvent(eng.Events(10), "interval") {
		t.Error("expected an interval event after reconfiguration")
	}
}

func TestTrafficToggles(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	if !eng.TrafficEnabled(backend.Baseline) {
		t.Fatal("traffic should start enabled")
	}

	if got := eng.ToggleTraffic(backend.Baseline); got {
		t.Error("first toggle should pause traffic")
	}
	if eng.TrafficEnabled(backend.Baseline) {
		t.Error("TrafficEnabled() = true after pause")
	}
	if got := eng.ToggleTraffic(backend.Baseline); !got {
		t.Error("second toggle should resume traffic")
	}

	events := eng.Events(10)
	n := 0
	for _, e := range events {
		if e.Kind == "traffic" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("got %d traffic events, want 2", n)
	}

	// Setting the current state again is a no-op.
	eng.SetTrafficEnabled(backend.Baseline, true)
	if got := len(eng.Events(10)); got != len(events) {
		t.Errorf("no-op set recorded an event: %d -> %d", len(events), got)
	}
}

func TestToggleIsolation(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	if got := eng.IsolationLevel(); got != config.IsolationSerializable {
		t.Fatalf("IsolationLevel() = %q, want serializable", got)
	}
	if got := eng.ToggleIsolation(); got != config.IsolationStrictSerializable {
		t.Errorf("ToggleIsolation() = %q, want strict serializable", got)
	}
	if got := eng.ToggleIsolation(); got != config.IsolationSerializable {
		t.Errorf("second ToggleIsolation() = %q, want serializable", got)
	}
	if !hasEvent(eng.Events(10), "isolation") {
		t.Error("expected an isolation event")
	}
}

func TestStartProbesAndStops(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	if !eng.StreamingAvailable() {
		t.Error("StreamingAvailable() = false with a streaming DSN configured")
	}

	waitUntil(t, 2*time.Second, func() bool {
		return state.StmtCount("adjusted_price") > 0 && state.StmtCount("REFRESH MATERIALIZED VIEW") > 0
	})

	eng.Stop()
	eng.Stop() // idempotent
}

func TestStartFailsWhenPrimaryDown(t *testing.T) {
	dsn := "postgres://primary?application_name=fb"
	eng, state := newTestEngine(t, func(cfg *config.Config, _ *engine.Options) {
		cfg.PrimaryDSN = dsn
	})
	state.FailOn(dsn, errors.New("connection refused"))

	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("Start() should fail when the primary is unreachable")
	}
}

func TestProbeOnDemand(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	startEngine(t, eng)

	took, row, err := eng.Probe(context.Background(), backend.CachedTable)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if took < 0 {
		t.Errorf("Probe() duration = %v, want >= 0", took)
	}
	if row == nil {
		t.Fatal("Probe() row = nil, want the scripted row")
	}
	if row.ProductID != 1 || row.Price != 9.99 {
		t.Errorf("Probe() row = %+v, want product 1 at 9.99", row)
	}
}

func TestForceRefresh(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	took, err := eng.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if took < 0 {
		t.Errorf("ForceRefresh() duration = %v, want >= 0", took)
	}
	if state.StmtCount("REFRESH MATERIALIZED VIEW mv_dynamic_pricing") == 0 {
		t.Error("expected a REFRESH MATERIALIZED VIEW statement")
	}
	if !hasEvent(eng.Events(20), "refresh") {
		t.Error("expected a refresh event")
	}
}

func TestTogglePromotion(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	promoAt := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	state.Respond("UPDATE promotions",
		[]string{"updated_at", "active"},
		[]driver.Value{promoAt, true})

	active, updatedAt, err := eng.TogglePromotion(context.Background(), 2)
	if err != nil {
		t.Fatalf("TogglePromotion() error = %v", err)
	}
	if !active {
		t.Error("TogglePromotion() active = false, want true")
	}
	if !updatedAt.Equal(promoAt) {
		t.Errorf("TogglePromotion() updatedAt = %v, want %v", updatedAt, promoAt)
	}

	args := state.ArgsFor("UPDATE promotions")
	if len(args) != 1 || args[0][0] != int64(2) {
		t.Errorf("UPDATE promotions args = %v, want [[2]]", args)
	}
	if !hasEvent(eng.Events(20), "promotion") {
		t.Error("expected a promotion event")
	}
}

func TestTogglePromotionMissingRow(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	// Scripted with no rows: the product has no promotion.
	state.Respond("UPDATE promotions", []string{"updated_at", "active"})

	_, _, err := eng.TogglePromotion(context.Background(), 3)
	if !errors.Is(err, engine.ErrNoPromotion) {
		t.Errorf("TogglePromotion() error = %v, want ErrNoPromotion", err)
	}
}

func TestDatabaseSize(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	state.Respond("pg_database_size",
		[]string{"size_bytes", "size_pretty"},
		[]driver.Value{int64(3) << 30, "3072 MB"})

	size, err := eng.DatabaseSize(context.Background())
	if err != nil {
		t.Fatalf("DatabaseSize() error = %v", err)
	}
	if size.Bytes != int64(3)<<30 {
		t.Errorf("Bytes = %d, want %d", size.Bytes, int64(3)<<30)
	}
	if size.Pretty != "3072 MB" {
		t.Errorf("Pretty = %q, want %q", size.Pretty, "3072 MB")
	}
	if size.GB != 3.0 {
		t.Errorf("GB = %v, want 3.0", size.GB)
	}
}

func TestIndexToggle(t *testing.T) {
	eng, state := newTestEngine(t, nil)
	startEngine(t, eng)

	// The unscripted count query reports one matching index.
	exists, err := eng.IndexExists(context.Background())
	if err != nil {
		t.Fatalf("IndexExists() error = %v", err)
	}
	if !exists {
		t.Fatal("IndexExists() = false, want true")
	}

	exists, err = eng.ToggleReadinessIndex(context.Background())
	if err != nil {
		t.Fatalf("ToggleReadinessIndex() error = %v", err)
	}
	if exists {
		t.Error("ToggleReadinessIndex() = true, want false after dropping")
	}
	if state.StmtCount("DROP INDEX") != 1 {
		t.Errorf("DROP INDEX statements = %d, want 1", state.StmtCount("DROP INDEX"))
	}
	if !hasEvent(eng.Events(20), "index") {
		t.Error("expected an index event")
	}
}

func TestHealthDegradedWithoutStreaming(t *testing.T) {
	checks, err := threshold.ParseMultiple([]string{"baseline:qps > 1"})
	if err != nil {
		t.Fatalf("ParseMultiple() error = %v", err)
	}

	eng, _ := newTestEngine(t, func(cfg *config.Config, opts *engine.Options) {
		cfg.StreamingDSN = ""
		opts.Checks = checks
	})
	startEngine(t, eng)

	h := eng.Health()
	if h.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", h.Status)
	}
	if h.StreamingAvailable {
		t.Error("StreamingAvailable = true without a streaming DSN")
	}
	if len(h.Violations) != 1 {
		t.Fatalf("got %d violations, want 1", len(h.Violations))
	}
	if !strings.Contains(h.Violations[0], "baseline:qps > 1") {
		t.Errorf("violation = %q, want it to name the failing check", h.Violations[0])
	}
}

func TestSnapshotMeta(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	snap := eng.Snapshot()
	if snap.RunID != "testrun" {
		t.Errorf("RunID = %q, want testrun", snap.RunID)
	}
	if snap.Product != 1 {
		t.Errorf("Product = %d, want 1", snap.Product)
	}
	if snap.Isolation != config.IsolationSerializable {
		t.Errorf("Isolation = %q, want serializable", snap.Isolation)
	}
	if snap.RefreshIntervalS != 1 {
		t.Errorf("RefreshIntervalS = %v, want 1", snap.RefreshIntervalS)
	}
	if len(snap.Backends) != 3 {
		t.Fatalf("got %d backends, want 3", len(snap.Backends))
	}
	for key, b := range snap.Backends {
		if b.Available {
			t.Errorf("backend %s available before any probes", key)
		}
	}
}

func TestEventLogRing(t *testing.T) {
	log := engine.NewEventLog(3)

	if got := log.Recent(5); got != nil {
		t.Fatalf("Recent() on empty log = %v, want nil", got)
	}

	log.Record("a", "first")
	log.Record("b", "second")
	log.Record("c", "third")
	log.Record("d", "fourth") // overwrites "first"

	if got := log.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	recent := log.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent(10) returned %d events, want 3", len(recent))
	}
	wantKinds := []string{"d", "c", "b"}
	for i, w := range wantKinds {
		if recent[i].Kind != w {
			t.Errorf("recent[%d].Kind = %q, want %q", i, recent[i].Kind, w)
		}
	}

	if got := log.Recent(1); len(got) != 1 || got[0].Kind != "d" {
		t.Errorf("Recent(1) = %v, want just the newest", got)
	}
}
