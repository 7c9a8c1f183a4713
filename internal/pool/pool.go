// Package pool manages bounded connection pools for the primary and
// streaming database families, including acquire retry, wholesale rotation
// of the streaming pool, and the reduced cleanup contract its protocol
// requires.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/backend"
)

const (
	// MinConns connections are dialed and liveness-tested before a pool is
	// declared usable; MaxConns bounds the set.
	MinConns = 2
	MaxConns = 20

	connectTimeout = 15 * time.Second
)

// Pool bounds connections to one database system. A counting semaphore
// sized to MaxConns makes exhaustion observable before the driver queues.
type Pool struct {
	db       *sql.DB
	sem      chan struct{}
	family   backend.Family
	caps     backend.Capabilities
	counters *Counters
	log      zerolog.Logger
}

// newPool opens, bounds, and liveness-tests a pool for one family.
func newPool(ctx context.Context, family backend.Family, driverName, dsn string, counters *Counters, log zerolog.Logger) (*Pool, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, wrapErr(KindInitialization, family, "open", err)
	}
	db.SetMaxOpenConns(MaxConns)
	db.SetMaxIdleConns(MaxConns)
	db.SetConnMaxIdleTime(2 * time.Minute)

	p := &Pool{
		db:       db,
		sem:      make(chan struct{}, MaxConns),
		family:   family,
		caps:     family.Caps(),
		counters: counters,
		log:      log,
	}
	if err := p.prewarm(ctx, MinConns); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// prewarm establishes n connections and round-trips a liveness query on
// each before returning them to the idle set.
func (p *Pool) prewarm(ctx context.Context, n int) error {
	warmCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		conn, err := p.db.Conn(warmCtx)
		if err != nil {
			return wrapErr(KindInitialization, p.family, "connect", err)
		}
		conns = append(conns, conn)
		var one int
		if err := conn.QueryRowContext(warmCtx, "SELECT 1").Scan(&one); err != nil {
			return wrapErr(KindInitialization, p.family, "liveness", err)
		}
	}
	return nil
}

// acquire checks out one connection, waiting up to timeout for a slot.
func (p *Pool) acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapErr(KindExhausted, p.family, "acquire", waitCtx.Err())
	}

	sqlConn, err := p.db.Conn(waitCtx)
	if err != nil {
		<-p.sem
		kind := Classify(err)
		if kind == KindUnknown {
			kind = KindStale
		}
		return nil, wrapErr(kind, p.family, "acquire", err)
	}
	p.counters.Acquire()
	return &Conn{sqlConn: sqlConn, pool: p, caps: p.caps}, nil
}

func (p *Pool) put() { <-p.sem }

// InUse reports how many connections are currently checked out.
func (p *Pool) InUse() int { return len(p.sem) }

// Close waits up to drainTimeout for checked-out connections to come back,
// then closes the pool regardless.
func (p *Pool) Close(drainTimeout time.Duration) error {
	deadline := time.Now().Add(drainTimeout)
	for p.InUse() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := p.InUse(); n > 0 {
		p.log.Warn().Int("in_use", n).Str("family", p.family.String()).Msg("closing pool with connections still out")
	}
	return p.db.Close()
}

// Stat describes one pool for the lifetime report.
type Stat struct {
	Family string `json:"family"`
	InUse  int    `json:"in_use"`
	Idle   int    `json:"idle"`
	Open   int    `json:"open"`
}

func (p *Pool) stat() Stat {
	s := p.db.Stats()
	return Stat{
		Family: p.family.String(),
		InUse:  p.InUse(),
		Idle:   s.Idle,
		Open:   s.OpenConnections,
	}
}

// withAppName stamps an application_name into a DSN that lacks one, so
// server-side session inventories can attribute connections per family.
func withAppName(dsn, app string) string {
	if app == "" || strings.Contains(dsn, "application_name") {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "application_name=" + app
	}
	return fmt.Sprintf("%s application_name=%s", dsn, app)
}
