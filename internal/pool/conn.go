package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
	"time"

	"github.com/torosent/freshbench/internal/backend"
)

const rollbackTimeout = 5 * time.Second

// Conn is one checked-out connection. It carries the capability flags of
// its family so the release path can skip session commands the backend
// does not understand.
type Conn struct {
	sqlConn *sql.Conn
	pool    *Pool
	caps    backend.Capabilities

	closed atomic.Bool
	bad    atomic.Bool
}

func (c *Conn) Family() backend.Family { return c.pool.family }

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.sqlConn.ExecContext(ctx, query, args...)
}

func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.sqlConn.QueryRowContext(ctx, query, args...)
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.sqlConn.QueryContext(ctx, query, args...)
}

func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.sqlConn.BeginTx(ctx, opts)
}

// MarkStale flags the connection so Release drops it instead of pooling it
// again.
func (c *Conn) MarkStale() { c.bad.Store(true) }

// Release returns the connection for reuse. Calling it on an already
// released connection is a no-op, never an error.
func (c *Conn) Release() { c.close(false) }

// Discard releases the connection and drops it from the pool.
func (c *Conn) Discard() { c.close(true) }

func (c *Conn) close(discard bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	defer c.pool.put()

	if !c.caps.SessionReset {
		// The streaming protocol cannot reset sessions on release; a
		// single best-effort rollback clears any implicit transaction
		// state left by a canceled query. Its failure is swallowed.
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		if _, err := c.sqlConn.ExecContext(ctx, "ROLLBACK"); err != nil {
			c.pool.log.Debug().Err(err).Msg("release rollback ignored")
		}
		cancel()
	}

	if discard || c.bad.Load() {
		// Poisoning the driver conn makes database/sql drop it on return
		// instead of reusing a session in an unknown state.
		_ = c.sqlConn.Raw(func(any) error { return driver.ErrBadConn })
		c.pool.counters.Discard()
	} else {
		c.pool.counters.Release()
	}

	if err := c.sqlConn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		c.pool.log.Debug().Err(err).Msg("connection close ignored")
	}
}
