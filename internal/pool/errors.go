package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/torosent/freshbench/internal/backend"
)

// Kind classifies pool and query failures into the buckets the rest of the
// service dispatches on.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInitialization covers pool construction failures: fatal for the
	// primary family, degraded mode for streaming.
	KindInitialization
	// KindExhausted marks an acquire that gave up waiting for a slot.
	KindExhausted
	// KindStale marks a connection the driver reported unusable.
	KindStale
	// KindTimeout marks a query or acquire canceled by its deadline.
	KindTimeout
	// KindUndefinedRelation maps 42P01: the streaming system has not
	// caught up to the schema yet.
	KindUndefinedRelation
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindExhausted:
		return "exhausted"
	case KindStale:
		return "stale"
	case KindTimeout:
		return "timeout"
	case KindUndefinedRelation:
		return "undefined_relation"
	default:
		return "unknown"
	}
}

// Error pairs a classified failure with the pool operation that produced it.
type Error struct {
	Kind   Kind
	Family backend.Family
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s pool: %s: %s: %v", e.Family, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind Kind, family backend.Family, op string, err error) *Error {
	return &Error{Kind: kind, Family: family, Op: op, Err: err}
}

// ErrStreamingUnavailable is returned for streaming operations while no
// streaming pool is installed (initialization failed and no rotation has
// recovered it yet).
var ErrStreamingUnavailable = errors.New("streaming pool not available")

// Classify maps an error to its Kind, unwrapping pool and driver layers.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, driver.ErrBadConn) {
		return KindStale
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "57014": // query_canceled
			return KindTimeout
		case "42P01": // undefined_table
			return KindUndefinedRelation
		case "08000", "08003", "08006", "57P01":
			return KindStale
		}
	}
	return KindUnknown
}

func IsExhausted(err error) bool         { return Classify(err) == KindExhausted }
func IsStale(err error) bool             { return Classify(err) == KindStale }
func IsTimeout(err error) bool           { return Classify(err) == KindTimeout }
func IsUndefinedRelation(err error) bool { return Classify(err) == KindUndefinedRelation }
