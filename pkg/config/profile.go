package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyProfile loads a YAML profile (flat string map) from the path named
// by PATHWELL_CONFIG and applies each entry as an environment default.
// Explicit environment variables always win over profile values. A missing
// PATHWELL_CONFIG is not an error.
func ApplyProfile() error {
	path := os.Getenv("PATHWELL_CONFIG")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config profile %s: %w", path, err)
	}
	var profile map[string]string
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("parse config profile %s: %w", path, err)
	}
	for k, v := range profile {
		if os.Getenv(k) == "" {
			if err := os.Setenv(k, v); err != nil {
				return fmt.Errorf("apply profile key %s: %w", k, err)
			}
		}
	}
	return nil
}
