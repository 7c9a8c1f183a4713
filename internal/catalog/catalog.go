// Package catalog loads the set of product ids the benchmark may probe.
package catalog

import (
	"fmt"
	"sync"
)

// Catalog holds an ordered set of product ids with deterministic round-robin
// selection. It is safe for concurrent use.
type Catalog struct {
	ids   []int
	known map[int]struct{}
	index int
	mu    sync.Mutex
}

// Static builds a catalog from a fixed list of product ids.
func Static(ids ...int) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("catalog requires at least one product id")
	}
	return fromIDs(ids)
}

// Load builds a catalog from a CSV or JSON file. An empty path yields a
// single-product catalog holding fallback.
func Load(path, format string, fallback int) (*Catalog, error) {
	if path == "" {
		return Static(fallback)
	}
	switch format {
	case "csv":
		return FromCSV(path)
	case "json":
		return FromJSON(path)
	default:
		return nil, fmt.Errorf("unsupported catalog type %q: use 'csv' or 'json'", format)
	}
}

func fromIDs(ids []int) (*Catalog, error) {
	catalog := &Catalog{
		known: make(map[int]struct{}, len(ids)),
	}
	for _, id := range ids {
		if id < 1 {
			return nil, fmt.Errorf("product id must be >= 1, got %d", id)
		}
		if _, ok := catalog.known[id]; ok {
			continue
		}
		catalog.known[id] = struct{}{}
		catalog.ids = append(catalog.ids, id)
	}
	return catalog, nil
}

// Next returns the next product id in round-robin order, wrapping around
// after the last entry.
func (c *Catalog) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.ids[c.index]
	c.index = (c.index + 1) % len(c.ids)
	return id
}

// Contains reports whether id is part of the catalog.
func (c *Catalog) Contains(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.known[id]
	return ok
}

// First returns the first product id in file order.
func (c *Catalog) First() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ids[0]
}

// Len returns the number of distinct product ids.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.ids)
}

// IDs returns a copy of the product ids in file order.
func (c *Catalog) IDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]int(nil), c.ids...)
}
