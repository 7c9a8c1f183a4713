package pool

import "sync"

// Counters tracks pool lifecycle totals across both families.
type Counters struct {
	mu               sync.Mutex
	acquires         uint64
	acquireRetries   uint64
	acquireFailures  uint64
	releases         uint64
	discards         uint64
	rotations        uint64
	rotationFailures uint64
}

// CounterSnapshot is a point-in-time copy of the counters.
type CounterSnapshot struct {
	Acquires         uint64 `json:"acquires"`
	AcquireRetries   uint64 `json:"acquire_retries"`
	AcquireFailures  uint64 `json:"acquire_failures"`
	Releases         uint64 `json:"releases"`
	Discards         uint64 `json:"discards"`
	Rotations        uint64 `json:"rotations"`
	RotationFailures uint64 `json:"rotation_failures"`
}

func (c *Counters) Acquire() {
	c.mu.Lock()
	c.acquires++
	c.mu.Unlock()
}

func (c *Counters) AcquireRetry() {
	c.mu.Lock()
	c.acquireRetries++
	c.mu.Unlock()
}

func (c *Counters) AcquireFailure() {
	c.mu.Lock()
	c.acquireFailures++
	c.mu.Unlock()
}

func (c *Counters) Release() {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
}

func (c *Counters) Discard() {
	c.mu.Lock()
	c.discards++
	c.mu.Unlock()
}

func (c *Counters) Rotation() {
	c.mu.Lock()
	c.rotations++
	c.mu.Unlock()
}

func (c *Counters) RotationFailure() {
	c.mu.Lock()
	c.rotationFailures++
	c.mu.Unlock()
}

// Snapshot returns a copy safe to serialize.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		Acquires:         c.acquires,
		AcquireRetries:   c.acquireRetries,
		AcquireFailures:  c.acquireFailures,
		Releases:         c.releases,
		Discards:         c.discards,
		Rotations:        c.rotations,
		RotationFailures: c.rotationFailures,
	}
}
