// Package registry maps node ids to the work units that implement them.
// A Registry is an explicit value handed to each run; there is no global
// instance, so independent runs can use independent registries.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/reflow/core"
)

// ErrNilUnit is returned when registering a nil work unit.
var ErrNilUnit = errors.New("nil work unit")

// Entry is a registered work unit.
type Entry struct {
	ID   string
	Kind core.NodeKind
	Unit core.WorkUnit
}

// Registry holds the work units of a run, keyed by node id.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Entry
	order []string // preserves registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		units: make(map[string]Entry),
	}
}

// Register adds a work unit under id. If the id is already registered it
// is overwritten.
func (r *Registry) Register(id string, kind core.NodeKind, unit core.WorkUnit) error {
	if unit == nil {
		return fmt.Errorf("%w: %s", ErrNilUnit, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[id]; !exists {
		r.order = append(r.order, id)
	}
	r.units[id] = Entry{ID: id, Kind: kind, Unit: unit}
	return nil
}

// RegisterFunc registers a function-backed work unit.
func (r *Registry) RegisterFunc(id string, fn core.WorkUnitFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilUnit, id)
	}
	return r.Register(id, core.NodeKindFunc, fn)
}

// Get returns the work unit registered under id.
func (r *Registry) Get(id string) (core.WorkUnit, bool) {
	e, ok := r.Lookup(id)
	return e.Unit, ok
}

// Lookup returns the full entry registered under id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.units[id]
	return e, ok
}

// Has returns true if id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.units[id]
	return ok
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}
