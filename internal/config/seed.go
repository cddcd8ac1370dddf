package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedBackend is one declarative backend entry from the seed file.
type SeedBackend struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Token     string `yaml:"token"`
	Enabled   *bool  `yaml:"enabled"`
	Listening *bool  `yaml:"listening"`
}

type seedFile struct {
	Backends []SeedBackend `yaml:"backends"`
}

// LoadSeedBackends parses the optional YAML seed file listing backends to
// ensure at startup. Entries are matched by name; existing backends are
// left untouched.
func LoadSeedBackends(path string) ([]SeedBackend, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	for i, b := range f.Backends {
		if strings.TrimSpace(b.Name) == "" {
			return nil, fmt.Errorf("seed file %s: backends[%d]: name is required", path, i)
		}
		if strings.TrimSpace(b.URL) == "" {
			return nil, fmt.Errorf("seed file %s: backends[%d] (%s): url is required", path, i, b.Name)
		}
	}
	return f.Backends, nil
}
