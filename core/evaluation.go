package core

import (
	"context"
	"slices"
)

// Verdict is the quality evaluator's judgement of an output.
type Verdict string

const (
	VerdictSufficient   Verdict = "sufficient"
	VerdictInsufficient Verdict = "insufficient"
)

// Valid reports whether v is one of the recognised verdicts.
func (v Verdict) Valid() bool {
	return v == VerdictSufficient || v == VerdictInsufficient
}

// Evaluation is the evaluator's answer. Critique and Guidance are only
// meaningful when Status is insufficient.
type Evaluation struct {
	Status   Verdict
	Critique string
	Guidance string
}

// FixEntry records one rejected round.
type FixEntry struct {
	Critique string `json:"critique"`
	Guidance string `json:"guidance"`
}

// FixHistory is the ordered list of rejected rounds for one node.
type FixHistory []FixEntry

// Guidance returns the guidance strings in order.
func (h FixHistory) Guidance() []string {
	out := make([]string, 0, len(h))
	for _, e := range h {
		if e.Guidance != "" {
			out = append(out, e.Guidance)
		}
	}
	return out
}

// Clone returns an independent copy.
func (h FixHistory) Clone() FixHistory {
	return slices.Clone(h)
}

// EvaluationRequest is what the evaluator is asked to judge.
type EvaluationRequest struct {
	Objective string
	Role      string
	Output    any
	History   FixHistory
}

// Evaluator judges whether a node's output satisfies the objective.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, req EvaluationRequest) (Evaluation, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, req EvaluationRequest) (Evaluation, error) {
	return f(ctx, req)
}

// Outcome is how a reflection gate concluded.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeError     Outcome = "error"
)
