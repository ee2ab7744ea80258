package history

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// DefaultMemoryCapacity is the number of entries [Memory] retains.
const DefaultMemoryCapacity = 1000

// Memory is an in-process [Store]. Once full, the oldest entries are dropped.
type Memory struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	nextID   int64
}

// NewMemory returns a Memory retaining at most capacity entries. A
// non-positive capacity uses [DefaultMemoryCapacity].
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{capacity: capacity}
}

// Save implements [Store].
func (m *Memory) Save(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.capacity; over > 0 {
		m.entries = append(m.entries[:0], m.entries[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, session string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if session == "" || m.entries[i].Session == session {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}
