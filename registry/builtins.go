package registry

import (
	"context"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
)

// registerBuiltins registers the kinds that need no external services.
// The llm kind is registered by hydrate once providers are resolved.
func registerBuiltins(f *Factory) {
	f.Register(KindDef{
		Kind:        core.NodeKindStatic,
		Description: "Return the node's configured data",
	}, func(def graph.NodeDef) (core.WorkUnit, error) {
		return StaticUnit(def.Data), nil
	})

	f.Register(KindDef{
		Kind:        core.NodeKindMerge,
		Description: "Return the successful upstream outputs keyed by node id",
	}, func(graph.NodeDef) (core.WorkUnit, error) {
		return MergeUnit(), nil
	})
}

// StaticUnit returns a work unit that always succeeds with data.
func StaticUnit(data any) core.WorkUnit {
	return core.WorkUnitFunc(func(context.Context, core.Invocation) (core.Result, error) {
		return core.Success(data), nil
	})
}

// MergeUnit returns a work unit that collects the data of its successful
// upstream results.
func MergeUnit() core.WorkUnit {
	return core.WorkUnitFunc(func(_ context.Context, inv core.Invocation) (core.Result, error) {
		return core.Success(inv.UpstreamData()), nil
	})
}
