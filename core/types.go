// Package core provides the foundational types and interfaces for reflow runs.
//
// This package contains:
//   - Node descriptors: NodeSpec, NodeKind
//   - The structured result variant: Result, Code
//   - Interfaces: WorkUnit, Evaluator, LLMClient
//   - Reflection bookkeeping: FixEntry, FixHistory, Outcome
package core

import (
	"slices"
	"time"
)

// NodeKind identifies the implementation family of a work unit.
type NodeKind string

const (
	NodeKindLLM    NodeKind = "llm"
	NodeKindStatic NodeKind = "static"
	NodeKindMerge  NodeKind = "merge"
	NodeKindFunc   NodeKind = "func"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// NodeSpec describes one node of a run: a stable id, the role handed to the
// quality evaluator, and the ids it depends on.
// Dependencies on ids that are not part of the run are ignored.
type NodeSpec struct {
	ID           string
	Role         string
	Dependencies []string
}

// Clone returns a copy of the spec that shares no slices with the receiver.
func (n NodeSpec) Clone() NodeSpec {
	n.Dependencies = slices.Clone(n.Dependencies)
	return n
}

// RetryPolicy configures retry behavior for node invocations.
type RetryPolicy struct {
	MaxAttempts int           // maximum number of attempts (1 = no retries)
	Delay       time.Duration // base delay; attempt n waits n*Delay
}

// DefaultRetryPolicy returns the default retry policy: three attempts with a
// one second linear step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       time.Second,
	}
}

// DefaultMaxRounds bounds reflection rounds when no limit is configured.
const DefaultMaxRounds = 5
