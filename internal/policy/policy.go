// Package policy defines rate-limit policies and the static table that
// maps action keys to them. The table is read-only after startup; an
// action with no entry means the category is not limited at all.
package policy

import (
	"fmt"
	"time"
)

// Key identifies a rate-limited category, e.g. "auth:login" or
// "api:general". The set of keys is fixed at configuration time.
type Key string

// Policy is the limit applied to one category. Limit is the maximum
// number of operations per Window; Burst is extra allowance on top of
// Limit consumed before steady-state limiting kicks in.
type Policy struct {
	Limit  int64         `json:"limit"`
	Window time.Duration `json:"window"`
	Burst  int64         `json:"burst"`
}

// Validate reports why a policy is unusable. Called for every entry at
// startup so misconfiguration fails the process, not a request.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", p.Window)
	}
	if p.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", p.Burst)
	}
	return nil
}

// Max returns the total allowance per window, limit plus burst.
func (p Policy) Max() int64 { return p.Limit + p.Burst }

// Table is an immutable action-key to policy mapping.
type Table struct {
	policies map[Key]Policy
}

// NewTable builds a validated table. Returns an error naming the first
// offending key if any policy is invalid.
func NewTable(policies map[Key]Policy) (*Table, error) {
	m := make(map[Key]Policy, len(policies))
	for k, p := range policies {
		if k == "" {
			return nil, fmt.Errorf("policy table: empty action key")
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", k, err)
		}
		m[k] = p
	}
	return &Table{policies: m}, nil
}

// Lookup returns the policy for an action key. The second return is
// false when the category is not limited.
func (t *Table) Lookup(action Key) (Policy, bool) {
	p, ok := t.policies[action]
	return p, ok
}

// Keys returns all configured action keys, in no particular order.
func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.policies))
	for k := range t.policies {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of configured policies.
func (t *Table) Len() int { return len(t.policies) }
