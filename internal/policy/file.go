package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk shape of a policy file:
//
//	policies:
//	  "auth:login":
//	    limit: 5
//	    window: 1m
//	    burst: 0
type fileSpec struct {
	Policies map[string]entrySpec `yaml:"policies"`
}

type entrySpec struct {
	Limit  int64  `yaml:"limit"`
	Window string `yaml:"window"`
	Burst  int64  `yaml:"burst"`
}

// LoadFile reads a YAML policy file and returns a validated table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated table from YAML bytes.
func Parse(data []byte) (*Table, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	policies := make(map[Key]Policy, len(spec.Policies))
	for action, e := range spec.Policies {
		window, err := time.ParseDuration(e.Window)
		if err != nil {
			return nil, fmt.Errorf("policy %q: invalid window %q: %w", action, e.Window, err)
		}
		policies[Key(action)] = Policy{
			Limit:  e.Limit,
			Window: window,
			Burst:  e.Burst,
		}
	}

	return NewTable(policies)
}
