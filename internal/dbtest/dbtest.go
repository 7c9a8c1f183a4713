// Package dbtest registers recording database/sql drivers for tests that
// need a database without a server. Each Register call installs a fresh
// driver whose every open, statement, and transaction is captured in a
// State the test can script and inspect.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Stmt is one captured statement with its arguments.
type Stmt struct {
	Query string
	Args  []driver.Value
}

type response struct {
	substr string
	cols   []string
	rows   [][]driver.Value
	err    error
}

// State records driver activity and holds the scripted responses.
type State struct {
	mu        sync.Mutex
	opens     map[string]int
	closes    int
	stmts     []Stmt
	failDSN   map[string]error
	responses []response
}

// Respond scripts rows for every statement containing substr. Later calls
// take precedence over earlier ones. Statements with no scripted response
// return a single int64(1), which satisfies liveness probes.
func (s *State) Respond(substr string, cols []string, rows ...[]driver.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append([]response{{substr: substr, cols: cols, rows: rows}}, s.responses...)
}

// RespondErr scripts a failure for every statement containing substr.
func (s *State) RespondErr(substr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append([]response{{substr: substr, err: err}}, s.responses...)
}

// ClearResponses drops all scripted responses.
func (s *State) ClearResponses() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = nil
}

// FailOn makes every new connection to dsn fail with err.
func (s *State) FailOn(dsn string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDSN == nil {
		s.failDSN = map[string]error{}
	}
	s.failDSN[dsn] = err
}

// ClearFailures removes all connection failure scripts.
func (s *State) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDSN = nil
}

// OpensFor reports how many connections were opened to dsn.
func (s *State) OpensFor(dsn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[dsn]
}

// CloseCount reports how many driver connections were closed.
func (s *State) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// StmtCount counts captured statements containing substr.
func (s *State) StmtCount(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.stmts {
		if strings.Contains(st.Query, substr) {
			n++
		}
	}
	return n
}

// Statements returns a copy of every captured statement in order.
func (s *State) Statements() []Stmt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stmt, len(s.stmts))
	copy(out, s.stmts)
	return out
}

// ArgsFor returns the argument sets of every statement containing substr.
func (s *State) ArgsFor(substr string) [][]driver.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]driver.Value
	for _, st := range s.stmts {
		if strings.Contains(st.Query, substr) {
			out = append(out, st.Args)
		}
	}
	return out
}

func (s *State) record(query string, args []driver.NamedValue) *response {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	s.stmts = append(s.stmts, Stmt{Query: query, Args: vals})
	for i := range s.responses {
		if strings.Contains(query, s.responses[i].substr) {
			return &s.responses[i]
		}
	}
	return nil
}

type fakeDriver struct {
	state *State
}

func (d *fakeDriver) Open(dsn string) (driver.Conn, error) {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if err := d.state.failDSN[dsn]; err != nil {
		return nil, err
	}
	if d.state.opens == nil {
		d.state.opens = map[string]int{}
	}
	d.state.opens[dsn]++
	return &fakeConn{state: d.state}, nil
}

type fakeConn struct {
	state *State
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, fmt.Errorf("dbtest: prepare not supported")
}

func (c *fakeConn) Close() error {
	c.state.mu.Lock()
	c.state.closes++
	c.state.mu.Unlock()
	return nil
}

func (c *fakeConn) Begin() (driver.Tx, error) {
	if r := c.state.record("BEGIN", nil); r != nil && r.err != nil {
		return nil, r.err
	}
	return &fakeTx{state: c.state}, nil
}

func (c *fakeConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	return c.Begin()
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if r := c.state.record(query, args); r != nil && r.err != nil {
		return nil, r.err
	}
	return driver.RowsAffected(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	r := c.state.record(query, args)
	if r == nil {
		return &fakeRows{cols: []string{"?column?"}, vals: [][]driver.Value{{int64(1)}}}, nil
	}
	if r.err != nil {
		return nil, r.err
	}
	return &fakeRows{cols: r.cols, vals: r.rows}, nil
}

type fakeTx struct {
	state *State
}

func (t *fakeTx) Commit() error {
	if r := t.state.record("COMMIT", nil); r != nil && r.err != nil {
		return r.err
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	if r := t.state.record("ROLLBACK", nil); r != nil && r.err != nil {
		return r.err
	}
	return nil
}

type fakeRows struct {
	cols []string
	vals [][]driver.Value
	idx  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.idx])
	r.idx++
	return nil
}

var seq atomic.Int64

// Register installs a fresh fake driver and returns its name plus the
// State that scripts and observes it.
func Register() (string, *State) {
	state := &State{}
	name := fmt.Sprintf("dbtest%d", seq.Add(1))
	sql.Register(name, &fakeDriver{state: state})
	return name, state
}
