package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/janusd/janus/internal/clock"
	"github.com/janusd/janus/internal/policy"
	"github.com/janusd/janus/internal/store"
)

// FailureMode decides what happens when the counter store cannot answer
// within its timeout.
type FailureMode string

const (
	// FailOpen allows the request and logs a warning: availability over
	// the limiting guarantee.
	FailOpen FailureMode = "fail_open"
	// FailClosed denies the request: the limiting guarantee over
	// availability.
	FailClosed FailureMode = "fail_closed"
)

// recentCap bounds the cached-decision map before expired entries get
// pruned inline.
const recentCap = 1024

// Engine is the sliding-window rate limiter. Safe for concurrent use;
// atomicity of the count itself is the store's job.
type Engine struct {
	table        *policy.Table
	store        store.CounterStore
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	failureMode  FailureMode
	storeTimeout time.Duration

	// Most recent decision per limit key, so HeadersFor can report on
	// the Evaluate that already ran this request without charging the
	// counter twice.
	mu     sync.Mutex
	recent map[string]Decision
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithFailureMode selects fail-open or fail-closed store-failure
// behavior. The default is fail-closed.
func WithFailureMode(mode FailureMode) Option {
	return func(e *Engine) { e.failureMode = mode }
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

// New creates an engine over a validated policy table and a counter
// store.
func New(table *policy.Table, cs store.CounterStore, opts ...Option) *Engine {
	e := &Engine{
		table:        table,
		store:        cs,
		clock:        clock.System(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/janusd/janus/internal/engine"),
		failureMode:  FailClosed,
		storeTimeout: 500 * time.Millisecond,
		recent:       make(map[string]Decision),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// limitKey is the unit of quota isolation: two different identifiers
// never share a counter, even for the same action.
func limitKey(identifier string, action policy.Key) string {
	return string(action) + "|" + identifier
}

// Evaluate charges one unit against (identifier, action) and returns
// the decision. The increment happens before the allow check, so denied
// attempts still count; repeated violations keep pushing the reset out
// of reach rather than sneaking through. addr is the source address,
// used only for the audit log.
func (e *Engine) Evaluate(ctx context.Context, identifier string, action policy.Key, addr string) Decision {
	ctx, span := e.tracer.Start(ctx, "ratelimit.evaluate",
		trace.WithAttributes(attribute.String("ratelimit.action", string(action))))
	defer span.End()

	now := e.clock.Now()

	p, ok := e.table.Lookup(action)
	if !ok {
		// Unthrottled category: allow without touching the store.
		span.SetAttributes(attribute.Bool("ratelimit.passthrough", true))
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: now}
	}

	key := limitKey(identifier, action)

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	started := time.Now()
	consumed, windowStart, err := e.store.Incr(storeCtx, key, p, now)
	e.metrics.ObserveStoreOp(time.Since(started))
	if err != nil {
		d := e.storeFailure(action, identifier, p, now, err)
		span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))
		return d
	}

	d := decide(p, consumed, windowStart, now)
	e.remember(key, d, now)
	e.metrics.ObserveDecision(action, d.Allowed)
	span.SetAttributes(attribute.Bool("ratelimit.allowed", d.Allowed))

	if !d.Allowed {
		// Denial is an expected outcome, never an application error.
		e.logger.Info("rate limit exceeded",
			"identifier", identifier,
			"action", string(action),
			"addr", addr,
			"consumed", consumed,
			"retry_after", d.RetryAfter,
		)
	}
	return d
}

// Enforce is Evaluate with fail-fast calling convention: a denial comes
// back as a *LimitError carrying the same Decision.
func (e *Engine) Enforce(ctx context.Context, identifier string, action policy.Key, addr string) (Decision, error) {
	d := e.Evaluate(ctx, identifier, action, addr)
	if !d.Allowed {
		return d, &LimitError{Action: action, Decision: d}
	}
	return d, nil
}

// Quota reports the current decision for (identifier, action) without
// consuming quota. It reuses the Decision cached by Evaluate when one
// is still live, and otherwise peeks the store.
func (e *Engine) Quota(ctx context.Context, identifier string, action policy.Key) Decision {
	now := e.clock.Now()

	p, ok := e.table.Lookup(action)
	if !ok {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: now}
	}

	key := limitKey(identifier, action)
	if d, ok := e.recall(key, now); ok {
		return d
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	consumed, windowStart, err := e.store.Peek(storeCtx, key, p, now)
	if err != nil {
		return e.storeFailure(action, identifier, p, now, err)
	}
	return decide(p, consumed, windowStart, now)
}

// HeadersFor returns response headers for the most recent decision on
// (identifier, action). Backed by Quota, so one logical request is
// never charged twice just to populate headers.
func (e *Engine) HeadersFor(ctx context.Context, identifier string, action policy.Key) map[string]string {
	return Headers(e.Quota(ctx, identifier, action))
}

// decide derives a Decision from the counted state. Pure.
func decide(p policy.Policy, consumed int64, windowStart, now time.Time) Decision {
	allowed := consumed <= p.Max()
	remaining := p.Max() - consumed
	if remaining < 0 {
		remaining = 0
	}
	resetAt := windowStart.Add(p.Window)

	d := Decision{
		Allowed:   allowed,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		d.RetryAfter = retryAfter
	}
	return d
}

// storeFailure resolves a store error into a decision per the
// configured failure mode.
func (e *Engine) storeFailure(action policy.Key, identifier string, p policy.Policy, now time.Time, err error) Decision {
	e.metrics.ObserveStoreFailure()

	if e.failureMode == FailOpen {
		e.logger.Warn("counter store unavailable, failing open",
			"identifier", identifier,
			"action", string(action),
			"error", err,
		)
		return Decision{
			Allowed:   true,
			Limit:     p.Limit,
			Remaining: p.Max(),
			ResetAt:   now.Add(p.Window),
		}
	}

	e.logger.Warn("counter store unavailable, failing closed",
		"identifier", identifier,
		"action", string(action),
		"error", err,
	)
	return Decision{
		Allowed:    false,
		Limit:      p.Limit,
		Remaining:  0,
		ResetAt:    now.Add(p.Window),
		RetryAfter: p.Window,
	}
}

func (e *Engine) remember(key string, d Decision, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recent) >= recentCap {
		for k, old := range e.recent {
			if !now.Before(old.ResetAt) {
				delete(e.recent, k)
			}
		}
	}
	e.recent[key] = d
}

func (e *Engine) recall(key string, now time.Time) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.recent[key]
	if !ok || !now.Before(d.ResetAt) {
		return Decision{}, false
	}
	return d, true
}
