package engine

import (
	"fmt"
	"sync"
	"time"
)

// DefaultEventCapacity bounds the operator event ring.
const DefaultEventCapacity = 64

// Event is one operator-visible state change: a refresh, a pool rotation,
// a toggle flipped over the API.
type Event struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// EventLog is a fixed-capacity ring of recent events. Writes never block
// and never grow the buffer; the oldest entry is overwritten in place.
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	index    int // next write position
	size     int
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Record appends a formatted event.
func (l *EventLog) Record(kind, format string, args ...any) {
	e := Event{At: time.Now(), Kind: kind, Message: fmt.Sprintf(format, args...)}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.index] = e
	l.index = (l.index + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == 0 || n <= 0 {
		return nil
	}
	count := n
	if count > l.size {
		count = l.size
	}

	out := make([]Event, count)
	for i := 0; i < count; i++ {
		idx := (l.index - 1 - i + l.capacity) % l.capacity
		out[i] = l.events[idx]
	}
	return out
}

// Len reports how many events are retained.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.size
}
