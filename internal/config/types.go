package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed types.yaml
var defaultTypes []byte

// ResourceType describes one configured resource type.
type ResourceType struct {
	ID string `yaml:"id"`
	// Segment is the directory name of the type inside the working copy.
	Segment string `yaml:"segment"`
	// JSON marks the type as json-capable; otherwise bodies are XML.
	JSON bool `yaml:"json"`
	// Structural types (organizations) get generated ids and own a directory.
	Structural bool `yaml:"structural"`
	// Validator names the compiled-in validator for the type.
	Validator string `yaml:"validator"`
}

// Layout holds the doublestar patterns used to classify working-copy paths.
type Layout struct {
	Manifest     string `yaml:"manifest"`
	WebContent   string `yaml:"webcontent"`
	Organization string `yaml:"organization"`
	LDModel      string `yaml:"ldmodel"`
	// ContentRoot is the directory holding typed resources.
	ContentRoot string `yaml:"content_root"`
	// WebContentRoot is the working-copy directory of web assets.
	WebContentRoot string `yaml:"webcontent_root"`
	// OrganizationRoot is the working-copy directory of organizations.
	OrganizationRoot string `yaml:"organization_root"`
}

// TypesConfig is the on-disk form of the resource-type registry.
type TypesConfig struct {
	Layout Layout         `yaml:"layout"`
	Types  []ResourceType `yaml:"types"`
}

// Find returns the type with the given id.
func (tc *TypesConfig) Find(id string) (ResourceType, bool) {
	for _, t := range tc.Types {
		if t.ID == id {
			return t, true
		}
	}
	return ResourceType{}, false
}

// LoadTypes reads the registry from path, or the built-in registry when path is empty.
func LoadTypes(path string) (*TypesConfig, error) {
	data := defaultTypes
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading types file: %w", err)
		}
		data = b
	}
	return ParseTypes(data)
}

// ParseTypes parses a YAML registry.
func ParseTypes(data []byte) (*TypesConfig, error) {
	var tc TypesConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parsing types file: %w", err)
	}
	seen := make(map[string]bool)
	for _, t := range tc.Types {
		if t.ID == "" || t.Segment == "" || t.Validator == "" {
			return nil, fmt.Errorf("resource type %q: id, segment and validator are required", t.ID)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate resource type %q", t.ID)
		}
		seen[t.ID] = true
	}
	return &tc, nil
}
