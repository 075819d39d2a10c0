package graph

import (
	"fmt"
	"time"

	"github.com/petal-labs/reflow/core"
)

// Diagnostic represents a validation error or warning produced by
// definition validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "RF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Dependency failure policies accepted in a definition.
const (
	PolicyRunAnyway = "run_anyway"
	PolicySkip      = "skip"
)

// Definition is the serializable form of a run: the nodes, the objective
// shared by every node and the evaluator, and run settings.
type Definition struct {
	ID        string    `json:"id"`
	Version   string    `json:"version,omitempty"`
	Objective string    `json:"objective"`
	Terminal  string    `json:"terminal,omitempty"`
	Input     any       `json:"input,omitempty"`
	Nodes     []NodeDef `json:"nodes"`

	Retry      *RetryDef      `json:"retry,omitempty"`
	Reflection *ReflectionDef `json:"reflection,omitempty"`

	OnDependencyFailure string `json:"on_dependency_failure,omitempty"`
	Timeout             string `json:"timeout,omitempty"`
	NodeTimeout         string `json:"node_timeout,omitempty"`
	Concurrency         int    `json:"concurrency,omitempty"`
}

// NodeDef is a serializable node within a Definition.
type NodeDef struct {
	ID           string         `json:"id"`
	Role         string         `json:"role,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
	Data         any            `json:"data,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// RetryDef configures retries for every node of the run.
type RetryDef struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Delay       string `json:"delay,omitempty"` // Go duration, e.g. "1s"
}

// ReflectionDef configures the reflection gate.
type ReflectionDef struct {
	Enabled   bool   `json:"enabled"`
	MaxRounds int    `json:"max_rounds,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Specs converts the node definitions into node specs.
func (d *Definition) Specs() []core.NodeSpec {
	specs := make([]core.NodeSpec, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		role := n.Role
		if role == "" {
			role = n.ID
		}
		specs = append(specs, core.NodeSpec{
			ID:           n.ID,
			Role:         role,
			Dependencies: append([]string(nil), n.Dependencies...),
		})
	}
	return specs
}

// Node returns the node definition with the given id.
func (d *Definition) Node(id string) (NodeDef, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// RetryPolicy returns the configured retry policy, falling back to
// core.DefaultRetryPolicy for unset fields.
func (d *Definition) RetryPolicy() (core.RetryPolicy, error) {
	p := core.DefaultRetryPolicy()
	if d.Retry == nil {
		return p, nil
	}
	if d.Retry.MaxAttempts > 0 {
		p.MaxAttempts = d.Retry.MaxAttempts
	}
	if d.Retry.Delay != "" {
		delay, err := time.ParseDuration(d.Retry.Delay)
		if err != nil {
			return p, fmt.Errorf("retry.delay: %w", err)
		}
		p.Delay = delay
	}
	return p, nil
}

// MaxRounds returns the reflection round limit, or 0 when reflection is off.
func (d *Definition) MaxRounds() int {
	if d.Reflection == nil || !d.Reflection.Enabled {
		return 0
	}
	if d.Reflection.MaxRounds > 0 {
		return d.Reflection.MaxRounds
	}
	return core.DefaultMaxRounds
}

// Timeouts parses the run and node timeouts. Empty values are zero.
func (d *Definition) Timeouts() (run, node time.Duration, err error) {
	if d.Timeout != "" {
		if run, err = time.ParseDuration(d.Timeout); err != nil {
			return 0, 0, fmt.Errorf("timeout: %w", err)
		}
	}
	if d.NodeTimeout != "" {
		if node, err = time.ParseDuration(d.NodeTimeout); err != nil {
			return 0, 0, fmt.Errorf("node_timeout: %w", err)
		}
	}
	return run, node, nil
}

// Validate checks structural integrity of the Definition:
//   - RF-001: node ids are not empty
//   - RF-002: node ids are unique
//   - RF-003: nodes do not depend on themselves
//   - RF-004: dependencies reference declared nodes (warning; dropped at run)
//   - RF-005: dependencies are acyclic
//   - RF-006: terminal references a declared node
//   - RF-008: settings parse
func (d *Definition) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "RF-001",
				Severity: SeverityError,
				Message:  "Node ID must not be empty",
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
			continue
		}
		if nodeIDs[n.ID] {
			diags = append(diags, Diagnostic{
				Code:     "RF-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", n.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[n.ID] = true
	}

	for i, n := range d.Nodes {
		for j, dep := range n.Dependencies {
			path := fmt.Sprintf("nodes[%d].dependencies[%d]", i, j)
			switch {
			case dep == n.ID:
				diags = append(diags, Diagnostic{
					Code:     "RF-003",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Node %q depends on itself", n.ID),
					Path:     path,
				})
			case !nodeIDs[dep]:
				diags = append(diags, Diagnostic{
					Code:     "RF-004",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q depends on unknown node %q; the dependency is ignored", n.ID, dep),
					Path:     path,
				})
			}
		}
	}

	if d.Terminal != "" && !nodeIDs[d.Terminal] {
		diags = append(diags, Diagnostic{
			Code:     "RF-006",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Terminal node %q does not exist", d.Terminal),
			Path:     "terminal",
		})
	}

	// Cycle detection only makes sense on a well-formed node set.
	if !HasErrors(diags) {
		g, err := Build(d.Specs())
		if err == nil {
			_, err = g.TopologicalOrder()
		}
		if err != nil {
			diags = append(diags, Diagnostic{
				Code:     "RF-005",
				Severity: SeverityError,
				Message:  err.Error(),
				Path:     "nodes",
			})
		}
	}

	diags = append(diags, d.validateSettings()...)

	return diags
}

func (d *Definition) validateSettings() []Diagnostic {
	var diags []Diagnostic
	bad := func(path string, err error) {
		diags = append(diags, Diagnostic{
			Code:     "RF-008",
			Severity: SeverityError,
			Message:  err.Error(),
			Path:     path,
		})
	}

	if _, err := d.RetryPolicy(); err != nil {
		bad("retry.delay", err)
	}
	if _, _, err := d.Timeouts(); err != nil {
		bad("timeout", err)
	}
	switch d.OnDependencyFailure {
	case "", PolicyRunAnyway, PolicySkip:
	default:
		bad("on_dependency_failure", fmt.Errorf("unknown policy %q (want %q or %q)",
			d.OnDependencyFailure, PolicyRunAnyway, PolicySkip))
	}
	if d.Concurrency < 0 {
		bad("concurrency", fmt.Errorf("concurrency must not be negative"))
	}
	return diags
}

// ValidateKinds reports nodes whose kind is not known (RF-007).
// An empty kind is accepted and resolved by the caller's default.
func (d *Definition) ValidateKinds(known func(kind string) bool) []Diagnostic {
	var diags []Diagnostic
	for i, n := range d.Nodes {
		if n.Kind == "" || known(n.Kind) {
			continue
		}
		diags = append(diags, Diagnostic{
			Code:     "RF-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Node %q has unknown kind %q", n.ID, n.Kind),
			Path:     fmt.Sprintf("nodes[%d].kind", i),
		})
	}
	return diags
}
