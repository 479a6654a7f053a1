// Package configfile reads and writes server configuration files. Paths
// ending in .yaml or .yml hold YAML, anything else holds JSON. Both formats
// use the same keys, so a YAML document is decoded through its JSON form.
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsYAML reports whether path names a YAML file.
func IsYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Format returns "YAML" or "JSON" for path.
func Format(path string) string {
	if IsYAML(path) {
		return "YAML"
	}
	return "JSON"
}

// Load reads path and decodes it into v.
func Load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Decode(path, data, v)
}

// Decode decodes data into v using the format implied by path.
func Decode(path string, data []byte, v interface{}) error {
	if !IsYAML(path) {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		return nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Encode encodes v in the format implied by path. JSON output is indented
// and ends with a newline. YAML output keeps the JSON key order.
func Encode(path string, v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if !IsYAML(path) {
		return append(data, '\n'), nil
	}

	// JSON is a subset of YAML, so the node tree keeps key order.
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	blockStyle(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// blockStyle clears the flow and quoting styles inherited from JSON. The
// encoder still quotes strings that would otherwise read as another type.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
