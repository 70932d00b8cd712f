package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/warden/internal/permission"
)

type profilesFile struct {
	Profiles []*permission.Profile `yaml:"profiles"`
}

// LoadProfiles reads agent permission profiles from a YAML file.
// Environment variables in the file are expanded before parsing.
func LoadProfiles(path string) ([]*permission.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles parses profiles from YAML bytes.
func ParseProfiles(data []byte) ([]*permission.Profile, error) {
	var file profilesFile
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Profiles))
	for i, p := range file.Profiles {
		if p.AgentID == "" {
			return nil, fmt.Errorf("profiles[%d]: agent_id is required", i)
		}
		if _, dup := seen[p.AgentID]; dup {
			return nil, fmt.Errorf("duplicate profile for agent %q", p.AgentID)
		}
		seen[p.AgentID] = struct{}{}
	}
	return file.Profiles, nil
}
