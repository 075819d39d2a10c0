package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/reflow/graph"
)

// Load reads a definition file, converts it to a graph.Definition and
// validates its structure. Validation errors are returned as a
// *DiagnosticError; warnings are left for the caller to report via
// Definition.Validate.
func Load(path string) (*graph.Definition, SchemaKind, error) {
	def, kind, err := LoadUnvalidated(path)
	if err != nil {
		return nil, "", err
	}
	if diags := def.Validate(); graph.HasErrors(diags) {
		return def, kind, &DiagnosticError{Diagnostics: diags}
	}
	return def, kind, nil
}

// LoadUnvalidated reads and converts a definition file without validating it.
func LoadUnvalidated(path string) (*graph.Definition, SchemaKind, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, "", fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse converts document bytes to a definition. path selects the format
// and names the definition when the document carries no id.
func Parse(data []byte, path string) (*graph.Definition, SchemaKind, error) {
	raw, err := decodeAny(data, path)
	if err != nil {
		return nil, "", err
	}
	kind, err := detect(raw)
	if err != nil {
		return nil, "", err
	}
	jsonData, err := toJSON(raw)
	if err != nil {
		return nil, "", err
	}

	var def *graph.Definition
	switch kind {
	case SchemaKindAgentList:
		def, err = parseAgentList(jsonData)
	default:
		def, err = parseDefinition(jsonData)
	}
	if err != nil {
		return nil, "", err
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, kind, nil
}

func parseDefinition(data []byte) (*graph.Definition, error) {
	var def graph.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: decoding definition: %v", ErrParse, err)
	}
	return &def, nil
}

// agentEntry is one element of an agent list document.
type agentEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Path         string   `json:"path,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func parseAgentList(data []byte) (*graph.Definition, error) {
	var entries []agentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: decoding agent list: %v", ErrParse, err)
	}
	def := &graph.Definition{Nodes: make([]graph.NodeDef, 0, len(entries))}
	for _, e := range entries {
		nd := graph.NodeDef{
			ID:           e.ID,
			Role:         e.Name,
			Kind:         e.Kind,
			Dependencies: e.Dependencies,
			Instructions: e.Instructions,
			Provider:     e.Provider,
			Model:        e.Model,
		}
		if e.Path != "" {
			nd.Config = map[string]any{"path": e.Path}
		}
		def.Nodes = append(def.Nodes, nd)
	}
	return def, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
