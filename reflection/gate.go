// Package reflection implements the quality gate that re-invokes a node
// with evaluator guidance until its output is accepted or the round budget
// runs out.
package reflection

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petal-labs/reflow/core"
)

// State is a gate state.
type State string

const (
	StateInvoking   State = "invoking"
	StateEvaluating State = "evaluating"
	StateRevising   State = "revising"
	StateAccepted   State = "accepted"
	StateExhausted  State = "exhausted"
	StateFailed     State = "failed" // the node returned an Error result
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateExhausted || s == StateFailed
}

// MalformedCritique is recorded when the evaluator's answer cannot be used.
const MalformedCritique = "could not parse evaluation"

// InvokeFunc calls the node for one round with the guidance gathered from
// earlier rounds, oldest first. round is 1-indexed.
type InvokeFunc func(ctx context.Context, guidance []string, round int) (core.Result, error)

// Report is the outcome of a gate run.
type Report struct {
	Result    core.Result
	Outcome   core.Outcome
	Rounds    int
	History   core.FixHistory
	Malformed int
}

// Gate consults an evaluator after each successful invocation.
// A Gate holds no per-node state and may be shared by concurrent nodes.
type Gate struct {
	Evaluator core.Evaluator
	Objective string
	MaxRounds int
	Logger    *slog.Logger

	// OnTransition observes every state change.
	OnTransition func(nodeID string, from, to State, round int)
}

// New creates a gate. maxRounds <= 0 selects core.DefaultMaxRounds.
func New(eval core.Evaluator, objective string, maxRounds int) *Gate {
	return &Gate{Evaluator: eval, Objective: objective, MaxRounds: maxRounds}
}

func (g *Gate) maxRounds() int {
	if g.MaxRounds <= 0 {
		return core.DefaultMaxRounds
	}
	return g.MaxRounds
}

// Run drives one node through the gate.
//
// An Error result from the node ends the run immediately without
// evaluation. An error returned by invoke is passed through unchanged so
// the caller can retry. After MaxRounds rejected rounds the last result is
// returned annotated with core.OutcomeExhausted.
func (g *Gate) Run(ctx context.Context, node core.NodeSpec, invoke InvokeFunc) (Report, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		rep   Report
		state = StateInvoking
	)
	move := func(to State) {
		if g.OnTransition != nil {
			g.OnTransition(node.ID, state, to, rep.Rounds)
		}
		state = to
	}

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Rounds = round

		res, err := invoke(ctx, rep.History.Guidance(), round)
		if err != nil {
			return rep, err
		}
		rep.Result = res

		if res.IsError() {
			move(StateFailed)
			rep.Outcome = core.OutcomeError
			rep.Result = res.WithOutcome(core.OutcomeError)
			return rep, nil
		}

		if g.Evaluator == nil {
			rep.Outcome = core.OutcomeAccepted
			rep.Result = res.WithOutcome(core.OutcomeAccepted)
			return rep, nil
		}

		move(StateEvaluating)
		eval, err := g.Evaluator.Evaluate(ctx, core.EvaluationRequest{
			Objective: g.Objective,
			Role:      node.Role,
			Output:    res.Data(),
			History:   rep.History.Clone(),
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return rep, err
			}
			logger.Warn("evaluation failed, treating as insufficient",
				"node_id", node.ID,
				"round", round,
				"error", err,
			)
			eval = malformed()
			rep.Malformed++
		} else if !eval.Status.Valid() {
			logger.Warn("unrecognised evaluation status",
				"node_id", node.ID,
				"round", round,
				"status", eval.Status,
			)
			eval = malformed()
			rep.Malformed++
		}

		if eval.Status == core.VerdictSufficient {
			move(StateAccepted)
			rep.Outcome = core.OutcomeAccepted
			rep.Result = res.WithOutcome(core.OutcomeAccepted)
			return rep, nil
		}

		rep.History = append(rep.History, core.FixEntry{
			Critique: eval.Critique,
			Guidance: eval.Guidance,
		})

		if round >= g.maxRounds() {
			move(StateExhausted)
			logger.Warn("reflection rounds exhausted",
				"node_id", node.ID,
				"rounds", round,
			)
			rep.Outcome = core.OutcomeExhausted
			rep.Result = res.WithOutcome(core.OutcomeExhausted)
			return rep, nil
		}

		move(StateRevising)
		logger.Debug("revising node output",
			"node_id", node.ID,
			"round", round,
			"critique", eval.Critique,
		)
		move(StateInvoking)
	}
}

func malformed() core.Evaluation {
	return core.Evaluation{
		Status:   core.VerdictInsufficient,
		Critique: MalformedCritique,
	}
}
