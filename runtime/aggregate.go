package runtime

import "github.com/petal-labs/reflow/core"

// Aggregate returns the terminal node's recorded result as the run output.
// A missing terminal result is an ExecutionFailed error; an Error result is
// returned as is.
func Aggregate(rc *RunContext, terminal string) core.Result {
	if terminal == "" {
		return core.Failure(core.CodeExecutionFailed, "no terminal node")
	}
	r, ok := rc.Get(terminal)
	if !ok {
		return core.Failuref(core.CodeExecutionFailed, "terminal node %s produced no result", terminal)
	}
	return r
}
