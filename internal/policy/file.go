package policy

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Policies map[string]filePolicy `yaml:"policies"`
}

type filePolicy struct {
	MaxAttempts      int  `yaml:"max_attempts"`
	WindowSeconds    int  `yaml:"window_seconds"`
	AutoResetSeconds int  `yaml:"auto_reset_seconds"`
	WindowScoped     bool `yaml:"window_scoped"`
}

// Parse decodes a YAML policy document. Unknown keys are rejected so a typo
// cannot silently fall back to an unlimited budget. A missing
// auto_reset_seconds defaults to window_seconds.
func Parse(data []byte) (Set, error) {
	var doc fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Set{}, fmt.Errorf("failed to decode policy file: %w", err)
	}

	policies := make(map[string]Policy, len(doc.Policies))
	for op, fp := range doc.Policies {
		autoReset := fp.AutoResetSeconds
		if autoReset == 0 {
			autoReset = fp.WindowSeconds
		}
		policies[op] = Policy{
			MaxAttempts:  fp.MaxAttempts,
			Window:       time.Duration(fp.WindowSeconds) * time.Second,
			AutoReset:    time.Duration(autoReset) * time.Second,
			WindowScoped: fp.WindowScoped,
		}
	}
	return NewSet(policies)
}

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return Set{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}
