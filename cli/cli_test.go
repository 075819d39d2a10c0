package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/hydrate"
)

// newTestRoot creates a fresh cobra root command wired to all subcommands.
// Each test gets an isolated command tree to avoid shared state.
func newTestRoot(t *testing.T) *cobra.Command {
	t.Helper()
	t.Setenv("REFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv(envStore, "")

	root := &cobra.Command{
		Use:               "reflow",
		SilenceUsage:      true,
		PersistentPreRunE: ConfigureOutput,
	}
	AddPersistentFlags(root)
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewPlanCmd())
	root.AddCommand(NewEventsCmd())
	root.AddCommand(NewScheduleCmd())
	return root
}

// executeCommand runs a cobra command with the given args and captures stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	root.SetOut(&outBuf)
	root.SetErr(&errBuf)
	root.SetArgs(append(args, "--no-color"))
	err = root.Execute()
	return outBuf.String(), errBuf.String(), err
}

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error %v is not an *ExitError", err)
	}
	return exitErr.Code
}

// fakeLLM answers every prompt with a fixed text.
type fakeLLM struct {
	text  string
	block bool
}

func (f *fakeLLM) Complete(ctx context.Context, _ core.LLMRequest) (core.LLMResponse, error) {
	if f.block {
		<-ctx.Done()
		return core.LLMResponse{}, ctx.Err()
	}
	return core.LLMResponse{Text: f.text}, nil
}

func useFakeLLM(t *testing.T, client core.LLMClient) {
	t.Helper()
	prev := newLLMClient
	newLLMClient = func(string, hydrate.ProviderConfig, *rate.Limiter) (core.LLMClient, error) {
		return client, nil
	}
	t.Cleanup(func() { newLLMClient = prev })
}

const staticJSON = `{
  "id": "fan_in",
  "objective": "Combine two facts",
  "nodes": [
    {"id": "a", "kind": "static", "data": {"fact": "alpha"}},
    {"id": "b", "kind": "static", "data": {"fact": "beta"}},
    {"id": "c", "kind": "merge", "dependencies": ["a", "b"]}
  ]
}`

const agentListYAML = `- id: planner
  name: Planner
  path: agents/planner.py
- id: coder
  name: Coder
  dependencies: [planner]
`

const cycleJSON = `{
  "id": "loop",
  "nodes": [
    {"id": "a", "kind": "static", "dependencies": ["b"]},
    {"id": "b", "kind": "static", "dependencies": ["a"]}
  ]
}`

const llmJSON = `{
  "id": "ask",
  "objective": "Answer the question",
  "retry": {"max_attempts": 1},
  "nodes": [
    {"id": "q", "kind": "static", "data": "what is six times seven?"},
    {"id": "answer", "role": "Mathematician", "provider": "fake", "dependencies": ["q"]}
  ]
}`

// --- Validate command tests ---

func TestValidate_ValidDefinition(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_AgentListYAML(t *testing.T) {
	path := writeTestFile(t, "agents.yaml", agentListYAML)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stdout, "Valid") {
		t.Errorf("expected 'Valid' in output, got: %q", stdout)
	}
}

func TestValidate_Cycle(t *testing.T) {
	path := writeTestFile(t, "loop.json", cycleJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "RF-005") {
		t.Errorf("expected RF-005 diagnostic, got: %q", stdout)
	}
}

func TestValidate_UnknownKind(t *testing.T) {
	path := writeTestFile(t, "run.json", `{"nodes":[{"id":"a","kind":"python"}]}`)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(stdout, "RF-007") {
		t.Errorf("expected RF-007 diagnostic, got: %q", stdout)
	}
}

func TestValidate_ParseError(t *testing.T) {
	path := writeTestFile(t, "run.json", `{"nodes": [`)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stdout, "RF-000") {
		t.Errorf("expected RF-000 diagnostic, got: %q", stdout)
	}
}

func TestValidate_StrictWarnings(t *testing.T) {
	path := writeTestFile(t, "run.json", `{"nodes":[{"id":"a","kind":"static","dependencies":["ghost"]}]}`)
	if _, _, err := executeCommand(newTestRoot(t), "validate", path); err != nil {
		t.Fatalf("warnings alone should pass, got: %v", err)
	}
	if _, _, err := executeCommand(newTestRoot(t), "validate", path, "--strict"); err == nil {
		t.Fatal("--strict should fail on warnings")
	}
}

func TestValidate_JSONFormat(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "validate", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if strings.TrimSpace(stdout) != "[]" {
		t.Errorf("expected empty JSON array, got: %q", stdout)
	}
}

func TestValidate_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(t), "validate", "/nonexistent/path.json")
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- Plan command tests ---

func TestPlan_Text(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "plan", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	for _, want := range []string{"level 0: a, b", "level 1: c", "terminal: c"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in output, got: %q", want, stdout)
		}
	}
}

func TestPlan_JSON(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "plan", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	var got planJSON
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decoding plan: %v", err)
	}
	if len(got.Levels) != 2 || len(got.Levels[0]) != 2 {
		t.Errorf("Levels = %v, want [[a b] [c]]", got.Levels)
	}
	if got.Terminal != "c" {
		t.Errorf("Terminal = %q, want c", got.Terminal)
	}
}

// --- Run command tests ---

func decodeRunReport(t *testing.T, stdout string) runReport {
	t.Helper()
	var raw struct {
		RunID    string          `json:"run_id"`
		Status   string          `json:"status"`
		Terminal string          `json:"terminal"`
		Output   json.RawMessage `json:"output"`
		Nodes    []nodeReport    `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		t.Fatalf("decoding run report %q: %v", stdout, err)
	}
	var out core.Result
	if err := json.Unmarshal(raw.Output, &out); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	return runReport{RunID: raw.RunID, Status: raw.Status, Terminal: raw.Terminal, Output: out, Nodes: raw.Nodes}
}

func TestRun_StaticGraphJSON(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--format", "json")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	rep := decodeRunReport(t, stdout)
	if rep.Status != "completed" {
		t.Errorf("Status = %q, want completed", rep.Status)
	}
	if rep.Terminal != "c" {
		t.Errorf("Terminal = %q, want c", rep.Terminal)
	}
	data, ok := rep.Output.Data().(map[string]any)
	if !ok {
		t.Fatalf("output data = %T, want map", rep.Output.Data())
	}
	if len(data) != 2 || data["a"] == nil || data["b"] == nil {
		t.Errorf("output data = %v, want entries for a and b", data)
	}
	if len(rep.Nodes) != 3 {
		t.Errorf("Nodes = %d, want 3", len(rep.Nodes))
	}
}

func TestRun_TextTable(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	for _, want := range []string{"NODE", "STATUS", "completed", "success", "Output (c)", `"fact": "alpha"`} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in output, got: %q", want, stdout)
		}
	}
}

func TestRun_SelectSubset(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--format", "json", "--select", "a,c")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	rep := decodeRunReport(t, stdout)
	if len(rep.Nodes) != 2 {
		t.Errorf("Nodes = %d, want 2", len(rep.Nodes))
	}
	data, _ := rep.Output.Data().(map[string]any)
	if _, ok := data["b"]; ok || data["a"] == nil {
		t.Errorf("output data = %v, want only a", data)
	}
}

func TestRun_LLMNode(t *testing.T) {
	useFakeLLM(t, &fakeLLM{text: "```json\n{\"answer\": 42}\n```"})
	path := writeTestFile(t, "run.json", llmJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--format", "json", "--provider-key", "fake=k")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	rep := decodeRunReport(t, stdout)
	data, ok := rep.Output.Data().(map[string]any)
	if !ok || data["answer"] != float64(42) {
		t.Errorf("output data = %v, want answer 42", rep.Output.Data())
	}
}

func TestRun_LLMNodeInvalidJSONFailsRun(t *testing.T) {
	useFakeLLM(t, &fakeLLM{text: "forty-two"})
	path := writeTestFile(t, "run.json", llmJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--format", "json", "--provider-key", "fake=k")
	if code := exitCode(t, err); code != exitRuntime {
		t.Errorf("exit code = %d, want %d", code, exitRuntime)
	}
	rep := decodeRunReport(t, stdout)
	if rep.Output.Code() != core.CodeInvalidJSON {
		t.Errorf("output code = %q, want %q", rep.Output.Code(), core.CodeInvalidJSON)
	}
}

func TestRun_ProviderNotConfigured(t *testing.T) {
	path := writeTestFile(t, "run.json", llmJSON)
	_, _, err := executeCommand(newTestRoot(t), "run", path)
	if code := exitCode(t, err); code != exitProvider {
		t.Errorf("exit code = %d, want %d", code, exitProvider)
	}
}

func TestRun_DryRun(t *testing.T) {
	path := writeTestFile(t, "run.json", llmJSON)
	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--dry-run", "--format", "json", "--provider-key", "fake=k")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	rep := decodeRunReport(t, stdout)
	data, _ := rep.Output.Data().(map[string]any)
	if data["dry_run"] != true || data["provider"] != "fake" {
		t.Errorf("output data = %v, want dry-run placeholder for provider fake", data)
	}
}

func TestRun_Timeout(t *testing.T) {
	useFakeLLM(t, &fakeLLM{block: true})
	path := writeTestFile(t, "run.json", llmJSON)
	_, _, err := executeCommand(newTestRoot(t), "run", path, "--timeout", "50ms", "--provider-key", "fake=k")
	if code := exitCode(t, err); code != exitTimeout {
		t.Errorf("exit code = %d, want %d", code, exitTimeout)
	}
}

func TestRun_InputFromFlag(t *testing.T) {
	def := `{"nodes":[{"id":"m","kind":"merge"}]}`
	path := writeTestFile(t, "run.json", def)
	_, _, err := executeCommand(newTestRoot(t), "run", path, "--input", `{"topic":"x"}`)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestRun_InvalidInputJSON(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	_, _, err := executeCommand(newTestRoot(t), "run", path, "--input", "{invalid}")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
	if !strings.Contains(err.Error(), "parsing input JSON") {
		t.Errorf("error should mention input parsing, got: %q", err.Error())
	}
}

func TestRun_BothInputFlags(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	_, _, err := executeCommand(newTestRoot(t), "run", path, "--input", "{}", "--input-file", "file.json")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestRun_ValidationError(t *testing.T) {
	path := writeTestFile(t, "loop.json", cycleJSON)
	_, stderr, err := executeCommand(newTestRoot(t), "run", path)
	if code := exitCode(t, err); code != exitValidation {
		t.Errorf("exit code = %d, want %d", code, exitValidation)
	}
	if !strings.Contains(stderr, "RF-005") {
		t.Errorf("expected diagnostics on stderr, got: %q", stderr)
	}
}

func TestRun_FileNotFound(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(t), "run", "/nonexistent/path.json")
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

func TestRun_MetricsFlag(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	_, stderr, err := executeCommand(newTestRoot(t), "run", path, "--metrics", "--quiet")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(stderr, "reflow.node.executions") {
		t.Errorf("expected node execution metric on stderr, got: %q", stderr)
	}
}

// --- Events command tests ---

func TestRun_StoreThenEvents(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	path := writeTestFile(t, "run.json", staticJSON)

	stdout, _, err := executeCommand(newTestRoot(t), "run", path, "--format", "json", "--store", dsn)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	runID := decodeRunReport(t, stdout).RunID

	stdout, _, err = executeCommand(newTestRoot(t), "events", runID, "--store", dsn, "--format", "json")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	var first, last eventJSON
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	if first.Kind != "run.started" || first.Seq != 1 {
		t.Errorf("first event = %s #%d, want run.started #1", first.Kind, first.Seq)
	}
	if last.Kind != "run.finished" || last.Payload["status"] != "completed" {
		t.Errorf("last event = %s %v, want run.finished completed", last.Kind, last.Payload)
	}
	if last.TraceID == "" {
		t.Error("stored run.finished event should carry the run trace id")
	}

	stdout, _, err = executeCommand(newTestRoot(t), "events", runID, "--store", dsn, "--kind", "node.finished")
	if err != nil {
		t.Fatalf("events --kind: %v", err)
	}
	if got := strings.Count(stdout, "node.finished"); got != 3 {
		t.Errorf("node.finished lines = %d, want 3: %q", got, stdout)
	}

	stdout, _, err = executeCommand(newTestRoot(t), "events", "--store", dsn)
	if err != nil {
		t.Fatalf("events list: %v", err)
	}
	if !strings.Contains(stdout, runID) || !strings.Contains(stdout, "completed") {
		t.Errorf("run list should show %s as completed, got: %q", runID, stdout)
	}
}

func TestEvents_RequiresStore(t *testing.T) {
	_, _, err := executeCommand(newTestRoot(t), "events", "abc")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestEvents_UnknownRun(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	_, _, err := executeCommand(newTestRoot(t), "events", "nope", "--store", dsn)
	if code := exitCode(t, err); code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", code, exitFileNotFound)
	}
}

// --- Schedule command tests ---

func TestSchedule_InvalidCron(t *testing.T) {
	path := writeTestFile(t, "run.json", staticJSON)
	_, _, err := executeCommand(newTestRoot(t), "schedule", path, "--cron", "not a cron")
	if code := exitCode(t, err); code != exitInputParse {
		t.Errorf("exit code = %d, want %d", code, exitInputParse)
	}
}

func TestSchedule_MaxRuns(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	path := writeTestFile(t, "run.json", staticJSON)
	_, _, err := executeCommand(newTestRoot(t), "schedule", path,
		"--cron", "@every 1s", "--max-runs", "2", "--store", dsn, "--quiet")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	stdout, _, err := executeCommand(newTestRoot(t), "events", "--store", dsn, "--format", "json")
	if err != nil {
		t.Fatalf("events list: %v", err)
	}
	var runs []runSummaryJSON
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("stored runs = %d, want 2", len(runs))
	}
}

// --- Root command tests ---

func TestRoot_Help(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(t), "--help")
	if err != nil {
		t.Fatalf("--help should not error, got: %v", err)
	}
	for _, sub := range []string{"run", "validate", "plan", "events", "schedule"} {
		if !strings.Contains(stdout, sub) {
			t.Errorf("help should list %q command", sub)
		}
	}
}

func TestRun_SubcommandHelp(t *testing.T) {
	stdout, _, err := executeCommand(newTestRoot(t), "run", "--help")
	if err != nil {
		t.Fatalf("run --help should not error, got: %v", err)
	}
	for _, flag := range []string{"--dry-run", "--store", "--otlp-endpoint", "--provider-key"} {
		if !strings.Contains(stdout, flag) {
			t.Errorf("run help should show %s flag", flag)
		}
	}
}
