package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janusd/janus/internal/clock"
	"github.com/janusd/janus/internal/policy"
	"github.com/janusd/janus/internal/store"
)

// countingStore wraps a real store and counts operations, so tests can
// assert the engine's storage traffic.
type countingStore struct {
	inner store.CounterStore
	incrs atomic.Int64
	peeks atomic.Int64
}

func (c *countingStore) Incr(ctx context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	c.incrs.Add(1)
	return c.inner.Incr(ctx, key, p, now)
}

func (c *countingStore) Peek(ctx context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	c.peeks.Add(1)
	return c.inner.Peek(ctx, key, p, now)
}

func (c *countingStore) Close() error { return c.inner.Close() }

// failingStore always reports unavailability.
type failingStore struct{}

func (failingStore) Incr(context.Context, string, policy.Policy, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (failingStore) Peek(context.Context, string, policy.Policy, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, fmt.Errorf("%w: connection refused", store.ErrUnavailable)
}

func (failingStore) Close() error { return nil }

func testTable(t *testing.T) *policy.Table {
	t.Helper()
	table, err := policy.NewTable(map[policy.Key]policy.Policy{
		"auth:login":  {Limit: 2, Window: time.Minute},
		"api:general": {Limit: 5, Window: time.Minute},
		"api:bursty":  {Limit: 3, Window: time.Minute, Burst: 2},
	})
	require.NoError(t, err)
	return table
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cs store.CounterStore, clk clock.Clock, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithClock(clk), WithLogger(quietLogger())}
	return New(testTable(t), cs, append(base, opts...)...)
}

func TestEvaluate_LoginScenario(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()

	// t=0: first attempt.
	d := eng.Evaluate(ctx, "u1", "auth:login", "198.51.100.7")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	// t=1: second attempt exhausts the limit.
	clk.Advance(time.Second)
	d = eng.Evaluate(ctx, "u1", "auth:login", "198.51.100.7")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	// t=2: denied, 58s until the window resets.
	clk.Advance(time.Second)
	d = eng.Evaluate(ctx, "u1", "auth:login", "198.51.100.7")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, 58*time.Second, d.RetryAfter)

	// t=61: window rolled, allowance replenished. The denied attempt at
	// t=2 was counted, so one unit is already consumed.
	clk.Advance(59 * time.Second)
	d = eng.Evaluate(ctx, "u1", "auth:login", "198.51.100.7")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestEvaluate_DeniedAttemptsStillConsume(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		eng.Evaluate(ctx, "u1", "auth:login", "")
	}

	d := eng.Quota(ctx, "u1", "auth:login")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestEvaluate_BurstExtendsAllowance(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	// limit 3 + burst 2 = 5 allowed.
	for i := 0; i < 5; i++ {
		d := eng.Evaluate(ctx, "u1", "api:bursty", "")
		assert.True(t, d.Allowed, "attempt %d", i+1)
	}
	d := eng.Evaluate(ctx, "u1", "api:bursty", "")
	assert.False(t, d.Allowed)
}

func TestEvaluate_IdentifiersAreIsolated(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		eng.Evaluate(ctx, "u1", "auth:login", "")
	}

	d := eng.Evaluate(ctx, "u2", "auth:login", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining, "u2's quota is untouched by u1")
}

func TestEvaluate_FullWindowReplenishes(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		eng.Evaluate(ctx, "u1", "auth:login", "")
	}

	clk.Advance(time.Minute)
	d := eng.Evaluate(ctx, "u1", "auth:login", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining, "full window of inactivity restores the allowance")
}

func TestEvaluate_RetryAfterBounds(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	var d Decision
	for i := 0; i < 3; i++ {
		d = eng.Evaluate(ctx, "u1", "auth:login", "")
	}

	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	assert.False(t, d.ResetAt.Before(clk.Now()))
}

func TestEvaluate_PassthroughSkipsStore(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	cs := &countingStore{inner: mem}
	eng := newTestEngine(t, cs, clk)

	d := eng.Evaluate(context.Background(), "u1", "health:check", "")
	assert.True(t, d.Allowed)
	assert.Equal(t, Unlimited, d.Limit)
	assert.Equal(t, Unlimited, d.Remaining)
	assert.True(t, d.Passthrough())
	assert.Equal(t, int64(0), cs.incrs.Load(), "unthrottled categories never touch the store")
	assert.Equal(t, int64(0), cs.peeks.Load())
}

func TestEvaluate_ConcurrentExactAllowance(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	const n = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := eng.Evaluate(context.Background(), "u1", "api:general", "")
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load(), "no race may admit more than the limit")
}

func TestEnforce_ReturnsTypedError(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	eng := newTestEngine(t, mem, clk)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := eng.Enforce(ctx, "u1", "auth:login", "")
		require.NoError(t, err)
	}

	d, err := eng.Enforce(ctx, "u1", "auth:login", "")
	require.Error(t, err)

	var limitErr *LimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, policy.Key("auth:login"), limitErr.Action)
	assert.Equal(t, d, limitErr.Decision)
	assert.Contains(t, limitErr.Error(), "auth:login")
}

func TestQuota_ReusesEvaluateDecision(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	cs := &countingStore{inner: mem}
	eng := newTestEngine(t, cs, clk)

	ctx := context.Background()
	d := eng.Evaluate(ctx, "u1", "auth:login", "")
	require.True(t, d.Allowed)

	q := eng.Quota(ctx, "u1", "auth:login")
	assert.Equal(t, d, q)
	assert.Equal(t, int64(1), cs.incrs.Load(), "quota must not charge the counter")
	assert.Equal(t, int64(0), cs.peeks.Load(), "live decision is served from cache")
}

func TestQuota_PeeksWhenNoCachedDecision(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemory(store.WithSweepInterval(0))
	defer mem.Close()
	cs := &countingStore{inner: mem}
	eng := newTestEngine(t, cs, clk)

	q := eng.Quota(context.Background(), "u1", "auth:login")
	assert.True(t, q.Allowed)
	assert.Equal(t, int64(2), q.Remaining)
	assert.Equal(t, int64(0), cs.incrs.Load())
	assert.Equal(t, int64(1), cs.peeks.Load())
}

func TestEvaluate_FailOpen(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	eng := newTestEngine(t, failingStore{}, clk, WithFailureMode(FailOpen))

	d := eng.Evaluate(context.Background(), "u1", "auth:login", "")
	assert.True(t, d.Allowed, "fail-open allows when the store is down")
	assert.Equal(t, int64(2), d.Limit)
}

func TestEvaluate_FailClosed(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	eng := newTestEngine(t, failingStore{}, clk, WithFailureMode(FailClosed))

	d := eng.Evaluate(context.Background(), "u1", "auth:login", "")
	assert.False(t, d.Allowed, "fail-closed denies when the store is down")
	assert.Equal(t, time.Minute, d.RetryAfter)

	_, err := eng.Enforce(context.Background(), "u1", "auth:login", "")
	var limitErr *LimitError
	assert.True(t, errors.As(err, &limitErr))
}
