package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
	"github.com/petal-labs/reflow/reflection"
	"github.com/petal-labs/reflow/registry"
	"github.com/petal-labs/reflow/retry"
)

// Runtime errors
var (
	ErrRunCanceled = errors.New("run was canceled")
	ErrNilRegistry = errors.New("nil registry")
)

// RunRequest describes one run.
type RunRequest struct {
	// Nodes are the node descriptors. Order matters: it breaks ties
	// between nodes that become ready together.
	Nodes []core.NodeSpec

	// Select restricts the run to these ids, in this order. Dependencies
	// on nodes outside the selection are dropped. Empty selects all nodes.
	Select []string

	// Input is the entry payload handed to every node.
	Input any

	// Objective is passed to every node and to the evaluator.
	Objective string

	// Terminal is the node whose result becomes the run output. If empty,
	// the last node of the last level is used.
	Terminal string
}

// NodeReport summarizes how a node reached its result.
type NodeReport struct {
	NodeID    string
	Kind      core.NodeKind
	Level     int
	Attempts  int
	Rounds    int
	Outcome   core.Outcome
	History   core.FixHistory
	Malformed int
	Duration  time.Duration
	Skipped   bool
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID    string
	Plan     graph.Plan
	Terminal string
	Results  map[string]core.Result
	Reports  map[string]NodeReport
	Dropped  []graph.Edge
	Output   core.Result
	Started  time.Time
	Finished time.Time
}

// Failed returns the ids of nodes that recorded an Error result, in plan order.
func (r *RunResult) Failed() []string {
	var ids []string
	for _, id := range r.Plan.Order {
		if res, ok := r.Results[id]; ok && res.IsError() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Coordinator executes runs against an explicit registry.
// A Coordinator may run several requests concurrently.
type Coordinator struct {
	registry *registry.Registry
	opts     Options
}

// New creates a coordinator.
func New(reg *registry.Registry, opts Options) *Coordinator {
	return &Coordinator{registry: reg, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Coordinator) Options() Options {
	return c.opts
}

// run holds per-run state shared by the node goroutines.
type run struct {
	id        string
	req       RunRequest
	graph     *graph.Graph
	plan      graph.Plan
	rc        *RunContext
	emit      EventEmitter
	gate      *reflection.Gate
	started   time.Time
	reportsMu sync.Mutex
	reports   map[string]NodeReport
}

func (r *run) report(rep NodeReport) {
	r.reportsMu.Lock()
	r.reports[rep.NodeID] = rep
	r.reportsMu.Unlock()
}

// Run executes the request level by level.
//
// A dependency cycle fails the whole run before any node executes and
// returns a nil result. Node failures are recorded in the result and never
// stop other nodes. When ctx is canceled or the run deadline passes, nodes
// that have not started are recorded as CANCELED and the partial result is
// returned together with an error wrapping ErrRunCanceled.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if c.registry == nil {
		return nil, ErrNilRegistry
	}
	opts := c.opts
	logger := opts.Logger

	runID := generateRunID()
	emit := newEmitter(opts)
	started := opts.Now()

	emit(NewEvent(EventRunStarted, runID).
		WithTime(started).
		WithPayload("objective", req.Objective).
		WithPayload("nodes", len(req.Nodes)))

	finishFailed := func(err error) {
		emit(NewEvent(EventRunFinished, runID).
			WithElapsed(opts.Now().Sub(started)).
			WithPayload("status", "failed").
			WithPayload("error", err.Error()))
	}

	g, err := graph.Build(selectNodes(req.Nodes, req.Select))
	if err != nil {
		finishFailed(err)
		return nil, err
	}
	plan, err := g.Plan()
	if err != nil {
		logger.Error("run aborted before execution", "run_id", runID, "error", err)
		finishFailed(err)
		return nil, err
	}
	for _, e := range g.Dropped() {
		logger.Warn("ignoring dependency on unknown node",
			"run_id", runID,
			"node_id", e.To,
			"dependency", e.From,
		)
	}

	terminal := req.Terminal
	if terminal == "" && len(plan.Levels) > 0 {
		last := plan.Levels[len(plan.Levels)-1]
		terminal = last[len(last)-1]
	}

	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}
	ctx = ContextWithRunID(ctx, runID)

	r := &run{
		id:      runID,
		req:     req,
		graph:   g,
		plan:    plan,
		rc:      NewRunContext(),
		emit:    emit,
		started: started,
		reports: make(map[string]NodeReport, g.Len()),
	}
	r.gate = &reflection.Gate{
		Evaluator: opts.Evaluator,
		Objective: req.Objective,
		MaxRounds: opts.MaxRounds,
		Logger:    logger,
		OnTransition: func(nodeID string, from, to reflection.State, round int) {
			emit(NewEvent(EventNodeReflection, runID).
				WithNode(nodeID, c.kindOf(nodeID)).
				WithPayload("from", string(from)).
				WithPayload("to", string(to)).
				WithPayload("round", round))
		},
	}

	logger.Info("run started",
		"run_id", runID,
		"nodes", g.Len(),
		"levels", len(plan.Levels),
		"terminal", terminal,
	)

	for i, level := range plan.Levels {
		if ctx.Err() != nil {
			c.cancelRemaining(r, plan.Levels[i:])
			break
		}
		levelStart := opts.Now()
		emit(NewEvent(EventLevelStarted, runID).
			WithPayload("level", i).
			WithPayload("nodes", append([]string(nil), level...)))
		logger.Debug("executing level", "run_id", runID, "level", i, "nodes", strings.Join(level, ", "))

		c.runLevel(ctx, r, i, level)

		emit(NewEvent(EventLevelFinished, runID).
			WithElapsed(opts.Now().Sub(levelStart)).
			WithPayload("level", i))
	}

	result := &RunResult{
		RunID:    runID,
		Plan:     plan,
		Terminal: terminal,
		Results:  r.rc.Snapshot(),
		Reports:  r.reports,
		Dropped:  g.Dropped(),
		Output:   Aggregate(r.rc, terminal),
		Started:  started,
		Finished: opts.Now(),
	}

	runErr := checkRunContext(ctx)
	status := "completed"
	switch {
	case runErr != nil:
		status = "canceled"
	case result.Output.IsError():
		status = "failed"
	}
	finish := NewEvent(EventRunFinished, runID).
		WithElapsed(result.Finished.Sub(started)).
		WithPayload("status", status).
		WithPayload("failed_nodes", len(result.Failed()))
	if result.Output.IsError() {
		finish = finish.WithPayload("error", result.Output.Message()).
			WithPayload("code", string(result.Output.Code()))
	}
	emit(finish)

	logger.Info("run finished",
		"run_id", runID,
		"status", status,
		"duration", result.Finished.Sub(started),
		"failed_nodes", len(result.Failed()),
	)

	return result, runErr
}

// runLevel starts every node of the level and waits for all of them.
func (c *Coordinator) runLevel(ctx context.Context, r *run, level int, ids []string) {
	var eg errgroup.Group
	if c.opts.Concurrency > 0 {
		eg.SetLimit(c.opts.Concurrency)
	}
	for _, id := range ids {
		eg.Go(func() error {
			res, rep := c.runNode(ctx, r, id)
			rep.Level = level
			r.report(rep)
			if err := r.rc.Record(id, res); err != nil {
				c.opts.Logger.Error("duplicate node result", "run_id", r.id, "node_id", id, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// runNode resolves and executes one node. It never returns a Go error:
// every failure becomes the node's Error result.
func (c *Coordinator) runNode(ctx context.Context, r *run, id string) (core.Result, NodeReport) {
	opts := c.opts
	logger := opts.Logger
	spec, _ := r.graph.Node(id)
	kind := c.kindOf(id)
	rep := NodeReport{NodeID: id, Kind: kind}

	skip := func(res core.Result, reason string) (core.Result, NodeReport) {
		rep.Skipped = true
		r.emit(NewEvent(EventNodeSkipped, r.id).
			WithNode(id, kind).
			WithPayload("reason", reason).
			WithPayload("code", string(res.Code())))
		logger.Info("skipping node", "run_id", r.id, "node_id", id, "reason", reason)
		return res, rep
	}

	if err := ctx.Err(); err != nil {
		return skip(core.Failure(core.CodeCanceled, err.Error()), "run canceled")
	}
	if opts.ShouldRun != nil && !opts.ShouldRun(spec.Clone(), r.req.Input) {
		return skip(core.Failure(core.CodeSkipped, "node not selected"), "not selected")
	}

	deps := r.graph.Dependencies(id)
	if opts.OnDependencyFailure == Skip {
		if failed := r.rc.Failed(deps); len(failed) > 0 {
			msg := "dependencies failed: " + strings.Join(failed, ", ")
			return skip(core.Failure(core.CodeDependencyFailed, msg), msg)
		}
	}

	unit, ok := c.registry.Get(id)
	if !ok {
		res := core.Failure(core.CodeAgentNotFound, "agent not found")
		r.emit(NewEvent(EventNodeFailed, r.id).
			WithNode(id, kind).
			WithPayload("code", string(res.Code())).
			WithPayload("error", res.Message()))
		logger.Warn("node not registered", "run_id", r.id, "node_id", id)
		return res, rep
	}

	nodeCtx := ctx
	if opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, opts.NodeTimeout)
		defer cancel()
	}
	nodeCtx = ContextWithEmitter(nodeCtx, r.emit)

	upstream := r.rc.Subset(deps, true)
	nodeStart := opts.Now()
	r.emit(NewEvent(EventNodeStarted, r.id).
		WithNode(id, kind).
		WithTime(nodeStart).
		WithElapsed(nodeStart.Sub(r.started)).
		WithPayload("role", spec.Role).
		WithPayload("upstream", len(upstream)))
	logger.Info("node started", "run_id", r.id, "node_id", id, "started_at", nodeStart)

	exec := &retry.Executor{
		MaxAttempts: opts.Retry.MaxAttempts,
		Delay:       opts.Retry.Delay,
		Sleeper:     opts.Sleeper,
		Logger:      logger.With("run_id", r.id),
		Now:         opts.Now,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			r.emit(NewEvent(EventNodeRetry, r.id).
				WithNode(id, kind).
				WithAttempt(attempt).
				WithPayload("wait_ms", wait.Milliseconds()).
				WithPayload("error", err.Error()))
		},
	}

	var gateRep reflection.Report
	res, stats, err := exec.Run(nodeCtx, id, func(ctx context.Context, attempt int) (core.Result, error) {
		gr, err := r.gate.Run(ctx, spec, func(ctx context.Context, guidance []string, round int) (core.Result, error) {
			return invokeUnit(ctx, unit, core.Invocation{
				NodeID:    id,
				Role:      spec.Role,
				Objective: r.req.Objective,
				Input:     r.req.Input,
				Upstream:  cloneResults(upstream),
				Guidance:  guidance,
				Round:     round,
				Attempt:   attempt,
			})
		})
		gateRep = gr
		return gr.Result, err
	})

	rep.Attempts = stats.Attempts
	rep.Rounds = gateRep.Rounds
	rep.History = gateRep.History
	rep.Malformed = gateRep.Malformed
	rep.Outcome = gateRep.Outcome
	rep.Duration = opts.Now().Sub(nodeStart)

	if err != nil {
		res = failureFromError(ctx, nodeCtx, err)
		rep.Outcome = core.OutcomeError
	} else if opts.StrictReflection && res.Degraded() {
		res = core.Failuref(core.CodeExhausted, "%s: no accepted output after %d rounds", core.ErrExhausted, rep.Rounds).
			WithOutcome(core.OutcomeExhausted)
	}

	ev := NewEvent(EventNodeFinished, r.id)
	if res.IsError() {
		ev = NewEvent(EventNodeFailed, r.id).
			WithPayload("code", string(res.Code())).
			WithPayload("error", res.Message())
	}
	r.emit(ev.WithNode(id, kind).
		WithAttempt(max(stats.Attempts, 1)).
		WithElapsed(rep.Duration).
		WithPayload("status", string(res.Status())).
		WithPayload("outcome", string(rep.Outcome)).
		WithPayload("rounds", rep.Rounds))

	logger.Info("node completed",
		"run_id", r.id,
		"node_id", id,
		"status", res.Status(),
		"outcome", rep.Outcome,
		"attempts", rep.Attempts,
		"rounds", rep.Rounds,
		"duration", rep.Duration,
	)

	return res, rep
}

// cancelRemaining records CANCELED for every node that never started.
func (c *Coordinator) cancelRemaining(r *run, levels [][]string) {
	for i, level := range levels {
		for _, id := range level {
			if _, done := r.rc.Get(id); done {
				continue
			}
			res := core.Failure(core.CodeCanceled, "run canceled before node started")
			_ = r.rc.Record(id, res)
			r.report(NodeReport{NodeID: id, Kind: c.kindOf(id), Level: r.plan.LevelOf[id], Skipped: true})
			r.emit(NewEvent(EventNodeSkipped, r.id).
				WithNode(id, c.kindOf(id)).
				WithPayload("reason", "run canceled").
				WithPayload("code", string(core.CodeCanceled)).
				WithPayload("level_offset", i))
		}
	}
}

func (c *Coordinator) kindOf(id string) core.NodeKind {
	if e, ok := c.registry.Lookup(id); ok {
		return e.Kind
	}
	return ""
}

// invokeUnit calls the work unit, converting a panic into an error so the
// retry loop treats it as an infrastructure failure.
func invokeUnit(ctx context.Context, unit core.WorkUnit, inv core.Invocation) (res core.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("work unit panicked: %v", p)
		}
	}()
	return unit.Invoke(ctx, inv)
}

// failureFromError classifies an error that escaped retry.
func failureFromError(runCtx, nodeCtx context.Context, err error) core.Result {
	switch {
	case runCtx.Err() != nil:
		return core.Failure(core.CodeCanceled, err.Error())
	case nodeCtx.Err() != nil:
		return core.Failuref(core.CodeExecutionFailed, "node timed out: %v", err)
	default:
		return core.Failure(core.CodeExecutionFailed, err.Error())
	}
}

func cloneResults(in map[string]core.Result) map[string]core.Result {
	out := make(map[string]core.Result, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// selectNodes restricts nodes to the selected ids, in selection order.
// A selected id without a descriptor becomes a bare node so that it is
// reported as not found rather than silently vanishing.
func selectNodes(nodes []core.NodeSpec, sel []string) []core.NodeSpec {
	if len(sel) == 0 {
		return nodes
	}
	byID := make(map[string]core.NodeSpec, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	out := make([]core.NodeSpec, 0, len(sel))
	for _, id := range sel {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		} else {
			out = append(out, core.NodeSpec{ID: id, Role: id})
		}
	}
	return out
}

func checkRunContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRunCanceled, err)
	}
	return nil
}

// generateRunID creates a unique run identifier.
func generateRunID() string {
	return uuid.NewString()
}
