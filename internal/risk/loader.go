package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of a registry override.
//
//	entries:
//	  - category: Dating App
//	    severity: critical
//	    min_minutes: 0
//	    patterns: [tinder, bumble]
//	    description: ...
type registryFile struct {
	Entries []Entry `yaml:"entries"`
}

// Parse decodes a YAML registry document.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse risk registry: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("risk registry has no entries")
	}
	return NewRegistry(f.Entries)
}

// LoadFile reads a YAML registry from path. An empty path yields the
// built-in registry.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read risk registry: %w", err)
	}
	return Parse(data)
}
