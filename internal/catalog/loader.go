package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML shape of a catalog file.
type catalogFile struct {
	Skills []SkillDefinition `yaml:"skills"`
	Tools  []ToolDefinition  `yaml:"tools"`
}

// Load reads a catalog from a YAML file. Environment variables in the file
// are expanded before parsing.
func Load(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse builds a catalog from raw YAML.
func Parse(data []byte) (*StaticCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewStaticCatalog(file.Skills, file.Tools)
}
