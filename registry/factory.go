package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/reflow/core"
	"github.com/petal-labs/reflow/graph"
)

// ErrUnknownKind is returned when a node names a kind with no builder.
var ErrUnknownKind = errors.New("unknown node kind")

// Builder constructs the work unit for one node definition.
type Builder func(def graph.NodeDef) (core.WorkUnit, error)

// KindDef describes a buildable node kind.
type KindDef struct {
	Kind        core.NodeKind `json:"kind"`
	Description string        `json:"description"`
}

// Factory is a static table from node kind to builder. It replaces loading
// implementations by path: every kind a definition may use is registered
// up front.
type Factory struct {
	mu       sync.RWMutex
	kinds    map[core.NodeKind]KindDef
	builders map[core.NodeKind]Builder
	order    []core.NodeKind

	// DefaultKind is used for nodes that declare no kind.
	DefaultKind core.NodeKind
}

// NewFactory creates a factory with the built-in kinds registered.
func NewFactory() *Factory {
	f := &Factory{
		kinds:       make(map[core.NodeKind]KindDef),
		builders:    make(map[core.NodeKind]Builder),
		DefaultKind: core.NodeKindLLM,
	}
	registerBuiltins(f)
	return f
}

// Register adds or replaces the builder for a kind.
func (f *Factory) Register(def KindDef, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.kinds[def.Kind]; !exists {
		f.order = append(f.order, def.Kind)
	}
	f.kinds[def.Kind] = def
	f.builders[def.Kind] = b
}

// Known reports whether kind can be built.
func (f *Factory) Known(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[core.NodeKind(kind)]
	return ok
}

// Kinds returns the registered kinds in registration order.
func (f *Factory) Kinds() []KindDef {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]KindDef, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.kinds[k])
	}
	return out
}

// Build creates a registry holding a work unit for every node of def.
//
// A node whose kind is unknown is left unregistered and reported in the
// returned error; the run can still proceed and will record that node as
// AgentNotFound.
func (f *Factory) Build(def *graph.Definition) (*Registry, error) {
	reg := New()
	var errs []error

	for _, n := range def.Nodes {
		kind := core.NodeKind(n.Kind)
		if kind == "" {
			kind = f.DefaultKind
		}

		f.mu.RLock()
		b, ok := f.builders[kind]
		f.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: node %q kind %q", ErrUnknownKind, n.ID, kind))
			continue
		}

		unit, err := b(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("building node %q: %w", n.ID, err))
			continue
		}
		if err := reg.Register(n.ID, kind, unit); err != nil {
			errs = append(errs, err)
		}
	}

	return reg, errors.Join(errs...)
}
