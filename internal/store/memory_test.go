package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusd/janus/internal/policy"
)

var testPolicy = policy.Policy{Limit: 5, Window: time.Minute}

func newTestMemory() *Memory {
	return NewMemory(WithSweepInterval(0))
}

func TestMemory_Incr_FirstUse(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	consumed, start, err := m.Incr(context.Background(), "k", testPolicy, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed)
	assert.Equal(t, now, start)
}

func TestMemory_Incr_CountsWithinWindow(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	for i := 1; i <= 4; i++ {
		consumed, start, err := m.Incr(context.Background(), "k", testPolicy, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(i), consumed)
		assert.Equal(t, now.Add(time.Second), start, "window starts at first use")
	}
}

func TestMemory_Incr_WindowRollsAfterElapse(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		m.Incr(context.Background(), "k", testPolicy, now)
	}

	later := now.Add(testPolicy.Window)
	consumed, start, err := m.Incr(context.Background(), "k", testPolicy, later)
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed, "count resets when the window elapses")
	assert.Equal(t, later, start)
}

func TestMemory_Incr_KeysAreIsolated(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		m.Incr(context.Background(), "auth:login|u1", testPolicy, now)
	}

	consumed, _, err := m.Incr(context.Background(), "auth:login|u2", testPolicy, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed, "u2 must not share u1's counter")
}

func TestMemory_Peek_DoesNotConsume(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	m.Incr(context.Background(), "k", testPolicy, now)
	m.Incr(context.Background(), "k", testPolicy, now)

	consumed, start, err := m.Peek(context.Background(), "k", testPolicy, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), consumed)
	assert.Equal(t, now, start)

	consumed, _, _ = m.Peek(context.Background(), "k", testPolicy, now)
	assert.Equal(t, int64(2), consumed, "peek must not increment")
}

func TestMemory_Peek_MissingOrExpiredKey(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	consumed, start, err := m.Peek(context.Background(), "missing", testPolicy, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), consumed)
	assert.Equal(t, now, start)

	m.Incr(context.Background(), "k", testPolicy, now)
	later := now.Add(testPolicy.Window)
	consumed, start, err = m.Peek(context.Background(), "k", testPolicy, later)
	require.NoError(t, err)
	assert.Equal(t, int64(0), consumed, "elapsed window reads as empty")
	assert.Equal(t, later, start)
}

func TestMemory_Sweep_EvictsIdleEntries(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	now := time.Now()
	m.Incr(context.Background(), "stale", testPolicy, now)
	m.Incr(context.Background(), "fresh", testPolicy, now.Add(30*time.Second))
	require.Equal(t, 2, m.Len())

	m.Sweep(now.Add(time.Minute))
	assert.Equal(t, 1, m.Len(), "entry idle for a full window is evicted")

	consumed, _, err := m.Incr(context.Background(), "stale", testPolicy, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), consumed)
}

func TestMemory_Incr_ConcurrentNoLostIncrements(t *testing.T) {
	m := newTestMemory()
	defer m.Close()

	p := policy.Policy{Limit: 1000000, Window: time.Hour}
	now := time.Now()

	const goroutines = 50
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, _, err := m.Incr(context.Background(), "hot", p, now)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	consumed, _, err := m.Peek(context.Background(), "hot", p, now)
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), consumed)
}

func TestMemory_Close_Idempotent(t *testing.T) {
	m := NewMemory(WithSweepInterval(10 * time.Millisecond))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
