// Package loader reads and writes flow definition files. It supports
// JSON and YAML formats; YAML is converted to JSON before decoding so
// both paths share one parsing strategy.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/graph"
)

// LoadDefinition reads a flow definition file without validating it
// against a catalog. The format is chosen by file extension
// (.yaml/.yml is YAML, everything else JSON).
func LoadDefinition(path string) (*graph.FlowDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseDefinition(data, path)
}

// ParseDefinition decodes flow definition bytes. The path is used only
// for format detection and error messages.
func ParseDefinition(data []byte, path string) (*graph.FlowDefinition, error) {
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	var def graph.FlowDefinition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("parsing flow definition: %w", err)
	}
	return &def, nil
}

// LoadFlow reads a flow definition file and builds a validated graph
// from it. Template references, port types, and edge rules are checked
// against the catalog; an invalid file fails with the first violation.
func LoadFlow(path string, cat *catalog.Catalog) (*graph.Graph, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, err
	}

	g, err := graph.FromDefinition(cat, *def)
	if err != nil {
		return nil, fmt.Errorf("validating flow %s: %w", path, err)
	}
	return g, nil
}

// SaveDefinition writes a flow definition to path. YAML extensions get
// YAML output, everything else pretty-printed JSON.
func SaveDefinition(path string, def graph.FlowDefinition) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(def)
		if err != nil {
			return fmt.Errorf("encoding flow definition as YAML: %w", err)
		}
	} else {
		data, err = json.MarshalIndent(def, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding flow definition as JSON: %w", err)
		}
		data = append(data, '\n')
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}
	return nil
}

// toJSON converts data to JSON bytes, handling YAML conversion if the
// path indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON converts YAML bytes to JSON bytes. YAML decodes to
// map[string]any which is JSON-compatible, so the round trip is
// lossless for the structures we care about.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
