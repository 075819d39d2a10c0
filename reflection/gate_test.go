package reflection

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/petal-labs/reflow/core"
)

var node = core.NodeSpec{ID: "analysis", Role: "Prompt analyst"}

// scriptedEvaluator returns its evaluations in order, repeating the last.
type scriptedEvaluator struct {
	evals    []core.Evaluation
	errs     []error
	requests []core.EvaluationRequest
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, req core.EvaluationRequest) (core.Evaluation, error) {
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return core.Evaluation{}, s.errs[i]
	}
	if i >= len(s.evals) {
		i = len(s.evals) - 1
	}
	return s.evals[i], nil
}

func insufficient(critique, guidance string) core.Evaluation {
	return core.Evaluation{Status: core.VerdictInsufficient, Critique: critique, Guidance: guidance}
}

var sufficient = core.Evaluation{Status: core.VerdictSufficient}

func TestGate_InsufficientThenSufficient(t *testing.T) {
	eval := &scriptedEvaluator{evals: []core.Evaluation{insufficient("too vague", "name the constraints"), sufficient}}
	g := New(eval, "decompose the prompt", 0)

	var seen [][]string
	rep, err := g.Run(context.Background(), node, func(ctx context.Context, guidance []string, round int) (core.Result, error) {
		seen = append(seen, guidance)
		return core.Success(round), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("invocations = %d, want 2", len(seen))
	}
	if len(seen[0]) != 0 {
		t.Errorf("round 1 guidance = %v, want empty", seen[0])
	}
	if !reflect.DeepEqual(seen[1], []string{"name the constraints"}) {
		t.Errorf("round 2 guidance = %v", seen[1])
	}
	if len(rep.History) != 1 || rep.History[0].Critique != "too vague" {
		t.Errorf("History = %+v", rep.History)
	}
	if rep.Result.Data() != 2 {
		t.Errorf("Data() = %v, want second invocation output", rep.Result.Data())
	}
	if rep.Outcome != core.OutcomeAccepted || rep.Result.Outcome != core.OutcomeAccepted {
		t.Errorf("Outcome = %q / %q, want accepted", rep.Outcome, rep.Result.Outcome)
	}

	// The evaluator sees the objective, the role, and prior history.
	second := eval.requests[1]
	if second.Objective != "decompose the prompt" || second.Role != "Prompt analyst" {
		t.Errorf("request = %+v", second)
	}
	if len(eval.requests[0].History) != 0 || len(second.History) != 1 {
		t.Errorf("history lengths = %d, %d, want 0, 1", len(eval.requests[0].History), len(second.History))
	}
}

func TestGate_AlwaysInsufficientExhausts(t *testing.T) {
	eval := &scriptedEvaluator{evals: []core.Evaluation{insufficient("no", "again")}}
	g := New(eval, "obj", 4)

	calls := 0
	rep, err := g.Run(context.Background(), node, func(ctx context.Context, _ []string, round int) (core.Result, error) {
		calls++
		return core.Success(round), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 4 {
		t.Errorf("invocations = %d, want 4", calls)
	}
	if rep.Outcome != core.OutcomeExhausted {
		t.Errorf("Outcome = %q, want exhausted", rep.Outcome)
	}
	if !rep.Result.Degraded() {
		t.Error("exhausted result should be degraded")
	}
	if rep.Result.Data() != 4 {
		t.Errorf("Data() = %v, want last result", rep.Result.Data())
	}
	if len(rep.History) != 4 {
		t.Errorf("History length = %d, want 4", len(rep.History))
	}
}

func TestGate_DefaultMaxRounds(t *testing.T) {
	eval := &scriptedEvaluator{evals: []core.Evaluation{insufficient("no", "")}}
	calls := 0
	rep, _ := New(eval, "obj", 0).Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		calls++
		return core.Success("x"), nil
	})
	if calls != core.DefaultMaxRounds || rep.Rounds != core.DefaultMaxRounds {
		t.Errorf("calls = %d, rounds = %d, want %d", calls, rep.Rounds, core.DefaultMaxRounds)
	}
}

func TestGate_ErrorResultSkipsEvaluation(t *testing.T) {
	eval := &scriptedEvaluator{evals: []core.Evaluation{sufficient}}
	rep, err := New(eval, "obj", 3).Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		return core.Failure(core.CodeInvalidJSON, "unparseable"), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(eval.requests) != 0 {
		t.Errorf("evaluator called %d times, want 0", len(eval.requests))
	}
	if rep.Outcome != core.OutcomeError || rep.Result.Code() != core.CodeInvalidJSON {
		t.Errorf("Report = %+v", rep)
	}
}

func TestGate_MalformedEvaluationKeepsProgress(t *testing.T) {
	eval := &scriptedEvaluator{
		evals: []core.Evaluation{{Status: "maybe"}, {}, sufficient},
		errs:  []error{nil, errors.New("json: unexpected end of input")},
	}
	calls := 0
	rep, err := New(eval, "obj", 5).Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		calls++
		return core.Success("draft"), nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("invocations = %d, want 3", calls)
	}
	if rep.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", rep.Malformed)
	}
	for i, e := range rep.History {
		if e.Critique != MalformedCritique {
			t.Errorf("History[%d].Critique = %q, want %q", i, e.Critique, MalformedCritique)
		}
	}
	if rep.Outcome != core.OutcomeAccepted {
		t.Errorf("Outcome = %q", rep.Outcome)
	}
}

func TestGate_InvokeErrorPassesThrough(t *testing.T) {
	boom := errors.New("provider unavailable")
	_, err := New(nil, "obj", 3).Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		return core.Result{}, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want %v", err, boom)
	}
}

func TestGate_NoEvaluatorAcceptsFirstSuccess(t *testing.T) {
	calls := 0
	rep, err := New(nil, "obj", 3).Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		calls++
		return core.Success("only"), nil
	})
	if err != nil || calls != 1 || rep.Outcome != core.OutcomeAccepted {
		t.Errorf("calls = %d, rep = %+v, err = %v", calls, rep, err)
	}
}

func TestGate_CanceledEvaluationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eval := core.EvaluatorFunc(func(ctx context.Context, _ core.EvaluationRequest) (core.Evaluation, error) {
		cancel()
		return core.Evaluation{}, ctx.Err()
	})
	calls := 0
	_, err := New(eval, "obj", 5).Run(ctx, node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		calls++
		return core.Success("x"), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("invocations = %d, want 1", calls)
	}
}

func TestGate_Transitions(t *testing.T) {
	eval := &scriptedEvaluator{evals: []core.Evaluation{insufficient("a", "b"), sufficient}}
	g := New(eval, "obj", 5)

	var got []State
	g.OnTransition = func(nodeID string, from, to State, round int) {
		if nodeID != node.ID {
			t.Errorf("nodeID = %q", nodeID)
		}
		got = append(got, to)
	}
	if _, err := g.Run(context.Background(), node, func(ctx context.Context, _ []string, _ int) (core.Result, error) {
		return core.Success("x"), nil
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []State{StateEvaluating, StateRevising, StateInvoking, StateEvaluating, StateAccepted}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if !StateAccepted.Terminal() || StateRevising.Terminal() {
		t.Error("Terminal() misclassifies states")
	}
}
