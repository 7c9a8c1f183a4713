// Package backend enumerates the three read paths under measurement and
// the connection families that serve them.
package backend

import (
	"fmt"
	"strings"
)

// Backend identifies one of the probed read paths.
type Backend int

const (
	Baseline Backend = iota
	CachedTable
	Streaming
)

// Family identifies a physical database system. Baseline and CachedTable
// share the primary database; Streaming runs on its own system.
type Family int

const (
	FamilyPrimary Family = iota
	FamilyStreaming
)

// Capabilities describe what a family's session protocol supports.
type Capabilities struct {
	// SessionReset reports whether connections tolerate reset commands on
	// release. The streaming protocol has no LISTEN/UNLISTEN or DISCARD,
	// so its cleanup path is reduced to a best-effort rollback.
	SessionReset bool
	// IsolationSwap reports whether the session isolation level can be
	// switched between serializable variants.
	IsolationSwap bool
}

type profile struct {
	key      string
	display  string
	family   Family
	relation string
}

var profiles = [...]profile{
	Baseline:    {key: "baseline", display: "Baseline View", family: FamilyPrimary, relation: "dynamic_pricing"},
	CachedTable: {key: "cached_table", display: "Cached Table", family: FamilyPrimary, relation: "mv_dynamic_pricing"},
	Streaming:   {key: "streaming", display: "Streaming Replica", family: FamilyStreaming, relation: "freshmart.dynamic_pricing"},
}

var familyCaps = [...]Capabilities{
	FamilyPrimary:   {SessionReset: true},
	FamilyStreaming: {IsolationSwap: true},
}

// All returns the backends in canonical order.
func All() []Backend {
	return []Backend{Baseline, CachedTable, Streaming}
}

// Key returns the stable stats key used in snapshots and API paths.
func (b Backend) Key() string { return profiles[b].key }

// DisplayName returns the human-readable label used in reports and the
// dashboard.
func (b Backend) DisplayName() string { return profiles[b].display }

func (b Backend) Family() Family { return profiles[b].family }

func (b Backend) Caps() Capabilities { return familyCaps[profiles[b].family] }

// DefaultRelation returns the relation the canonical lookup reads when no
// override is configured.
func (b Backend) DefaultRelation() string { return profiles[b].relation }

// Valid reports whether b is one of the declared backends.
func (b Backend) Valid() bool { return b >= Baseline && b <= Streaming }

func (b Backend) String() string {
	if !b.Valid() {
		return fmt.Sprintf("backend(%d)", int(b))
	}
	return profiles[b].key
}

func (f Family) Caps() Capabilities { return familyCaps[f] }

func (f Family) String() string {
	if f == FamilyStreaming {
		return "streaming"
	}
	return "primary"
}

// Parse maps a stats key to its Backend.
func Parse(s string) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, b := range All() {
		if profiles[b].key == key {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown backend %q (expected baseline, cached_table, or streaming)", s)
}

// LookupQuery renders the canonical point lookup against a relation. Every
// backend exposes the same three columns so observations stay comparable.
func LookupQuery(relation string) string {
	return fmt.Sprintf("SELECT product_id, adjusted_price, last_update_time FROM %s WHERE product_id = $1", relation)
}
