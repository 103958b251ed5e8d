// Package engine makes per-request allow/deny decisions against a
// policy table and a shared counter store. Decisions are derived values;
// the counter store holds the only mutable state.
package engine

import (
	"fmt"
	"time"

	"github.com/janusd/janus/internal/policy"
)

// Unlimited is the Limit/Remaining sentinel for pass-through decisions,
// i.e. actions with no configured policy.
const Unlimited int64 = -1

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// RetryAfter is the minimum wait until a unit becomes available.
	// Zero unless the decision is a denial.
	RetryAfter time.Duration
}

// Passthrough reports whether the decision came from an unlimited
// category. Header formatting skips X-RateLimit headers for these.
func (d Decision) Passthrough() bool { return d.Limit == Unlimited }

// LimitError is the typed denial returned by Enforce, for callers that
// prefer a single control-flow signal over branching on Allowed. It
// carries the full Decision so the caller can render retry feedback.
type LimitError struct {
	Action   policy.Key
	Decision Decision
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %s", e.Action, e.Decision.RetryAfter)
}
