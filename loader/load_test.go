package loader

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func testdataPath(name string) string {
	return filepath.Join("testdata", name)
}

func TestLoad_DefinitionJSON(t *testing.T) {
	def, kind, err := Load(testdataPath("research.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if kind != SchemaKindDefinition {
		t.Errorf("kind = %q, want %q", kind, SchemaKindDefinition)
	}
	if def.ID != "research" {
		t.Errorf("ID = %q, want %q", def.ID, "research")
	}
	if def.Terminal != "writer" {
		t.Errorf("Terminal = %q, want writer", def.Terminal)
	}
	if len(def.Nodes) != 2 {
		t.Fatalf("Nodes count = %d, want 2", len(def.Nodes))
	}
	if got := def.Nodes[1].Dependencies; len(got) != 1 || got[0] != "researcher" {
		t.Errorf("writer dependencies = %v, want [researcher]", got)
	}
	policy, err := def.RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy() error = %v", err)
	}
	if policy.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", policy.MaxAttempts)
	}
}

func TestLoad_DefinitionYAML(t *testing.T) {
	def, kind, err := Load(testdataPath("research.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if kind != SchemaKindDefinition {
		t.Errorf("kind = %q, want %q", kind, SchemaKindDefinition)
	}
	if def.ID != "research_yaml" {
		t.Errorf("ID = %q, want %q", def.ID, "research_yaml")
	}
	if def.Reflection == nil || !def.Reflection.Enabled || def.Reflection.MaxRounds != 2 {
		t.Errorf("Reflection = %+v, want enabled with 2 rounds", def.Reflection)
	}
}

func TestLoad_AgentList(t *testing.T) {
	def, kind, err := Load(testdataPath("agents.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if kind != SchemaKindAgentList {
		t.Errorf("kind = %q, want %q", kind, SchemaKindAgentList)
	}
	if def.ID != "agents" {
		t.Errorf("ID = %q, want file base name %q", def.ID, "agents")
	}
	if len(def.Nodes) != 3 {
		t.Fatalf("Nodes count = %d, want 3", len(def.Nodes))
	}

	coder := def.Nodes[1]
	if coder.Role != "Coder" {
		t.Errorf("Role = %q, want Coder", coder.Role)
	}
	if coder.Instructions != "Write the code." {
		t.Errorf("Instructions = %q", coder.Instructions)
	}
	if coder.Config["path"] != "agents/coder.py" {
		t.Errorf("Config[path] = %v, want agents/coder.py", coder.Config["path"])
	}
	if got := def.Nodes[2].Dependencies; len(got) != 2 {
		t.Errorf("reviewer dependencies = %v, want 2 entries", got)
	}
}

func TestLoad_ValidationError(t *testing.T) {
	_, _, err := Load(testdataPath("cycle.yaml"))
	var de *DiagnosticError
	if !errors.As(err, &de) {
		t.Fatalf("Load() error = %v, want *DiagnosticError", err)
	}
	if de.Diagnostics[0].Code != "RF-005" {
		t.Errorf("code = %q, want RF-005", de.Diagnostics[0].Code)
	}
}

func TestLoadUnvalidated_KeepsInvalidDefinition(t *testing.T) {
	def, _, err := LoadUnvalidated(testdataPath("cycle.yaml"))
	if err != nil {
		t.Fatalf("LoadUnvalidated() error = %v", err)
	}
	if len(def.Nodes) != 2 {
		t.Errorf("Nodes count = %d, want 2", len(def.Nodes))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := Load(testdataPath("missing.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load() error = %v, want fs.ErrNotExist", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte(`{"nodes": [`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := Load(path)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("Load() error = %v, want ErrParse", err)
	}
}

func TestParse_UnknownDependencyIsWarningOnly(t *testing.T) {
	data := []byte(`{"id":"x","nodes":[{"id":"a","dependencies":["ghost"]}]}`)
	def, _, err := Parse(data, "x.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	diags := def.Validate()
	if len(diags) != 1 || diags[0].Code != "RF-004" {
		t.Errorf("diagnostics = %+v, want one RF-004 warning", diags)
	}
}

func TestDiagnosticError_Message(t *testing.T) {
	_, _, err := Load(testdataPath("cycle.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got == "" {
		t.Error("empty error message")
	}
}
