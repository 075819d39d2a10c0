// Package loader reads run definitions from JSON or YAML files.
//
// Two document shapes are accepted: a definition object with a "nodes" list,
// and a bare list of agent entries ({id, name, dependencies, ...}) which is
// converted to a definition with one llm node per entry.
package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaKind identifies the shape of a definition document.
type SchemaKind string

const (
	SchemaKindDefinition SchemaKind = "definition"
	SchemaKindAgentList  SchemaKind = "agent_list"
)

// ErrParse is wrapped by every error caused by malformed document content.
var ErrParse = errors.New("parse error")

// DetectSchema reports which shape data has:
//  1. Parse as YAML for .yaml/.yml, JSON for .json, and by content otherwise
//  2. A top-level list is an agent list
//  3. An object with "kind": "definition" or a "nodes" key is a definition
//  4. Anything else is an error
func DetectSchema(data []byte, path string) (SchemaKind, error) {
	raw, err := decodeAny(data, path)
	if err != nil {
		return "", err
	}
	return detect(raw)
}

func detect(raw any) (SchemaKind, error) {
	switch v := raw.(type) {
	case []any:
		return SchemaKindAgentList, nil
	case map[string]any:
		if kind, ok := v["kind"].(string); ok && kind == string(SchemaKindDefinition) {
			return SchemaKindDefinition, nil
		}
		if _, ok := v["nodes"]; ok {
			return SchemaKindDefinition, nil
		}
	}
	return "", fmt.Errorf("%w: document is neither a definition with nodes nor a list of agents", ErrParse)
}

// decodeAny parses data into JSON-compatible values.
func decodeAny(data []byte, path string) (any, error) {
	var raw any
	switch {
	case isYAML(path):
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parsing YAML: %v", ErrParse, err)
		}
	case isJSON(path) || looksLikeJSON(data):
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parsing JSON: %v", ErrParse, err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: parsing YAML: %v", ErrParse, err)
		}
	}
	return raw, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func isJSON(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// toJSON re-encodes decoded YAML or JSON so it can be unmarshalled into
// typed structs. yaml.v3 decodes mappings as map[string]any, which is
// JSON-compatible.
func toJSON(raw any) ([]byte, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return b, nil
}
