// Package gateway is the request-lifecycle side of rate limiting: it
// classifies routes into action keys, applies startup-time bypass
// rules, calls the engine, and renders denials. The engine itself has
// no notion of trusted callers; everything trust-related lives here.
package gateway

import (
	"strings"

	"github.com/janusd/janus/internal/config"
)

// Bypass holds the startup-time rules for skipping enforcement
// entirely: environment mode, address allow-list, and known monitoring
// user agents. Evaluated once per request, before the engine.
type Bypass struct {
	enforce   bool
	allowlist map[string]struct{}
	agents    []string
}

// NewBypass builds bypass rules from configuration.
func NewBypass(cfg config.BypassConfig) *Bypass {
	allowlist := make(map[string]struct{}, len(cfg.Allowlist))
	for _, addr := range cfg.Allowlist {
		allowlist[addr] = struct{}{}
	}
	return &Bypass{
		enforce:   cfg.Enforce,
		allowlist: allowlist,
		agents:    cfg.MonitoringAgents,
	}
}

// Skip reports whether a request from addr with the given User-Agent
// should bypass rate limiting.
func (b *Bypass) Skip(addr, userAgent string) bool {
	if !b.enforce {
		return true
	}
	if _, ok := b.allowlist[addr]; ok {
		return true
	}
	for _, agent := range b.agents {
		if agent != "" && strings.Contains(userAgent, agent) {
			return true
		}
	}
	return false
}
