package core

import "context"

// Invocation is everything a work unit receives for one call.
type Invocation struct {
	NodeID    string
	Role      string
	Objective string
	Input     any

	// Upstream holds the results of the node's declared dependencies only.
	Upstream map[string]Result

	// Guidance accumulated from previous reflection rounds, oldest first.
	// Empty on the first round.
	Guidance []string

	Round   int // 1-indexed reflection round
	Attempt int // 1-indexed retry attempt
}

// UpstreamData returns the Success payloads of the upstream results keyed
// by node id. Error results are omitted.
func (inv Invocation) UpstreamData() map[string]any {
	out := make(map[string]any, len(inv.Upstream))
	for id, r := range inv.Upstream {
		if r.IsSuccess() {
			out[id] = r.Data()
		}
	}
	return out
}

// WorkUnit is the capability behind a node.
//
// Invoke must report semantic failures as an Error result. A returned error
// means an infrastructure failure and makes the caller retry.
type WorkUnit interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// WorkUnitFunc adapts a function to the WorkUnit interface.
type WorkUnitFunc func(ctx context.Context, inv Invocation) (Result, error)

// Invoke calls f.
func (f WorkUnitFunc) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Ensure interface compliance at compile time.
var _ WorkUnit = WorkUnitFunc(nil)
