package store

import (
	"context"
	"sync"
	"time"

	"github.com/janusd/janus/internal/policy"
)

// entry is one key's live window plus bookkeeping for eviction.
type entry struct {
	count    int64
	start    time.Time
	window   time.Duration
	lastSeen time.Time
}

// Memory is an in-process CounterStore. A single mutex guards the map;
// the critical section is a map lookup and an integer increment, so
// contention stays low even under heavy parallel traffic. A background
// janitor evicts entries idle longer than their window.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry

	sweepEvery time.Duration
	done       chan struct{}
	closed     bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSweepInterval sets how often the janitor scans for stale entries.
// A non-positive interval disables the janitor; call Sweep manually.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.sweepEvery = d }
}

// NewMemory creates an in-memory store and starts its eviction janitor.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:    make(map[string]*entry),
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepEvery > 0 {
		go m.janitor()
	}
	return m
}

// Incr implements CounterStore. The whole read-roll-increment sequence
// runs under the lock, so concurrent callers on the same key serialize.
func (m *Memory) Incr(_ context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{start: now}
		m.entries[key] = e
	}
	if now.Sub(e.start) >= p.Window {
		// Window elapsed: hard reset.
		e.count = 0
		e.start = now
	}
	e.count++
	e.window = p.Window
	e.lastSeen = now
	return e.count, e.start, nil
}

// Peek implements CounterStore.
func (m *Memory) Peek(_ context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || now.Sub(e.start) >= p.Window {
		return 0, now, nil
	}
	return e.count, e.start, nil
}

// Sweep drops entries that have been idle for at least their window.
// Exposed so tests can drive eviction without waiting on the janitor.
func (m *Memory) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		if now.Sub(e.lastSeen) >= e.window {
			delete(m.entries, key)
		}
	}
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the janitor. Safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}
