package gateway

import (
	"fmt"

	"github.com/janusd/janus/internal/policy"
)

// Classifier maps routes to rate-limit action keys. The table is static
// and supplied at startup; routes without an entry are never limited.
type Classifier struct {
	routes map[string]policy.Key
}

// NewClassifier builds a classifier from a "METHOD /path" → action
// table.
func NewClassifier(routes map[string]policy.Key) *Classifier {
	m := make(map[string]policy.Key, len(routes))
	for route, action := range routes {
		m[route] = action
	}
	return &Classifier{routes: m}
}

// Action returns the action key for a route, if it is classified.
func (c *Classifier) Action(method, path string) (policy.Key, bool) {
	action, ok := c.routes[method+" "+path]
	return action, ok
}

// Validate checks that every classified action has a policy. A route
// mapped to a nonexistent action is a deployment defect: the author
// meant to limit it, and silent pass-through would mask that. Called at
// startup so the process refuses to boot instead.
func (c *Classifier) Validate(table *policy.Table) error {
	for route, action := range c.routes {
		if _, ok := table.Lookup(action); !ok {
			return fmt.Errorf("route %q classified as %q but no such policy exists", route, action)
		}
	}
	return nil
}
