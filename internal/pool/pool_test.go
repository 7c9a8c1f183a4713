package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/backend"
	"github.com/torosent/freshbench/internal/dbtest"
)

func newTestPool(t *testing.T, family backend.Family, dsn string) (*Pool, *Counters, *dbtest.State) {
	t.Helper()
	driverName, state := dbtest.Register()
	counters := &Counters{}
	p, err := newPool(context.Background(), family, driverName, dsn, counters, zerolog.Nop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}
	t.Cleanup(func() { p.Close(time.Second) })
	return p, counters, state
}

func TestPrewarmEstablishesMinConns(t *testing.T) {
	_, _, state := newTestPool(t, backend.FamilyPrimary, "primary")

	if got := state.OpensFor("primary"); got != MinConns {
		t.Errorf("expected %d connections opened, got %d", MinConns, got)
	}
	if got := state.StmtCount("SELECT 1"); got != MinConns {
		t.Errorf("expected %d liveness probes, got %d", MinConns, got)
	}
}

func TestPrewarmFailureIsInitialization(t *testing.T) {
	driverName, state := dbtest.Register()
	state.FailOn("primary", errors.New("refused"))

	_, err := newPool(context.Background(), backend.FamilyPrimary, driverName, "primary", &Counters{}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if kind := Classify(err); kind != KindInitialization {
		t.Errorf("expected initialization kind, got %s", kind)
	}
}

func TestAcquireRelease(t *testing.T) {
	p, counters, _ := newTestPool(t, backend.FamilyPrimary, "primary")

	conn, err := p.acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := p.InUse(); got != 1 {
		t.Errorf("expected 1 in use, got %d", got)
	}
	conn.Release()
	if got := p.InUse(); got != 0 {
		t.Errorf("expected 0 in use after release, got %d", got)
	}
	snap := counters.Snapshot()
	if snap.Acquires != 1 || snap.Releases != 1 {
		t.Errorf("expected 1 acquire and 1 release, got %d and %d", snap.Acquires, snap.Releases)
	}
}

func TestAcquireExhaustedAfterTimeout(t *testing.T) {
	p, _, _ := newTestPool(t, backend.FamilyPrimary, "primary")

	held := make([]*Conn, 0, MaxConns)
	for i := 0; i < MaxConns; i++ {
		conn, err := p.acquire(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, conn)
	}
	defer func() {
		for _, c := range held {
			c.Release()
		}
	}()

	_, err := p.acquire(context.Background(), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected exhaustion, got nil")
	}
	if !IsExhausted(err) {
		t.Errorf("expected exhausted kind, got %v", err)
	}
}

func TestAcquireCallerCancelIsNotExhaustion(t *testing.T) {
	p, _, _ := newTestPool(t, backend.FamilyPrimary, "primary")

	held := make([]*Conn, 0, MaxConns)
	for i := 0; i < MaxConns; i++ {
		conn, err := p.acquire(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, conn)
	}
	defer func() {
		for _, c := range held {
			c.Release()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.acquire(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if IsExhausted(err) {
		t.Error("caller cancellation must not classify as exhaustion")
	}
}

func TestCloseWaitsForDrain(t *testing.T) {
	driverName, _ := dbtest.Register()
	p, err := newPool(context.Background(), backend.FamilyPrimary, driverName, "primary", &Counters{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newPool: %v", err)
	}

	conn, err := p.acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		conn.Release()
	}()

	start := time.Now()
	if err := p.Close(time.Second); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected close to wait for release, returned after %s", elapsed)
	}
	if got := p.InUse(); got != 0 {
		t.Errorf("expected 0 in use after drain, got %d", got)
	}
}

func TestWithAppName(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		app  string
		want string
	}{
		{
			name: "url without query",
			dsn:  "postgres://u@host:5432/db",
			app:  "bench_primary",
			want: "postgres://u@host:5432/db?application_name=bench_primary",
		},
		{
			name: "url with query",
			dsn:  "postgres://u@host:5432/db?sslmode=disable",
			app:  "bench_primary",
			want: "postgres://u@host:5432/db?sslmode=disable&application_name=bench_primary",
		},
		{
			name: "keyword dsn",
			dsn:  "host=localhost dbname=db",
			app:  "bench_streaming",
			want: "host=localhost dbname=db application_name=bench_streaming",
		},
		{
			name: "existing application_name wins",
			dsn:  "postgres://u@host/db?application_name=custom",
			app:  "bench_primary",
			want: "postgres://u@host/db?application_name=custom",
		},
		{
			name: "empty app is a no-op",
			dsn:  "postgres://u@host/db",
			app:  "",
			want: "postgres://u@host/db",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withAppName(tt.dsn, tt.app); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
