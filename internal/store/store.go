// Package store provides keyed, atomic, TTL-capable counter storage for
// the rate-limit engine. The engine relies on Incr being a single
// indivisible unit per key; lost or double-counted increments are
// correctness bugs, not performance issues.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/janusd/janus/internal/policy"
)

// ErrUnavailable marks a transient store failure (backing store
// unreachable, operation timed out). The engine maps it to the
// configured fail-open or fail-closed behavior.
var ErrUnavailable = errors.New("counter store unavailable")

// CounterStore tracks consumption per limit key within a rolling window.
// Implementations must be safe for concurrent use and must not retain
// entries for keys idle longer than their window.
type CounterStore interface {
	// Incr atomically counts one more unit against key. If the key has
	// no live window a new one starts at now; if the current window has
	// fully elapsed it is reset before counting. Returns the consumed
	// count including this unit and the start of the window it was
	// counted in.
	Incr(ctx context.Context, key string, p policy.Policy, now time.Time) (consumed int64, windowStart time.Time, err error)

	// Peek reads the consumed count and window start without counting
	// anything. A key with no live window reads as (0, now).
	Peek(ctx context.Context, key string, p policy.Policy, now time.Time) (consumed int64, windowStart time.Time, err error)

	// Close releases resources and stops background goroutines.
	Close() error
}
