// Package graph builds the dependency graph of a run and plans its
// execution levels.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/reflow/core"
)

// Graph errors
var (
	ErrDuplicateNode = errors.New("duplicate node ID")
	ErrEmptyNodeID   = errors.New("empty node ID")
	ErrNodeNotFound  = errors.New("node not found")
)

// Edge is a retained dependency edge: From must finish before To starts.
type Edge struct {
	From string `json:"from"` // dependency
	To   string `json:"to"`   // dependent
}

// Graph is the dependency graph of one run. It is built once from node
// specs and never mutated afterwards.
type Graph struct {
	nodes      map[string]core.NodeSpec
	nodeOrder  []string            // preserves insertion order
	dependents map[string][]string // dependency -> dependents
	deps       map[string][]string // node -> retained dependencies
	inDegree   map[string]int
	dropped    []Edge
}

// Build constructs the graph from node specs. Dependencies that name a node
// outside the set are dropped and reported by Dropped. Cycles are not
// detected here; see TopologicalOrder.
func Build(nodes []core.NodeSpec) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]core.NodeSpec, len(nodes)),
		nodeOrder:  make([]string, 0, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		inDegree:   make(map[string]int, len(nodes)),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, ErrEmptyNodeID
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		g.nodes[n.ID] = n.Clone()
		g.nodeOrder = append(g.nodeOrder, n.ID)
		g.inDegree[n.ID] = 0
	}

	for _, id := range g.nodeOrder {
		seen := make(map[string]bool)
		for _, dep := range g.nodes[id].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := g.nodes[dep]; !ok {
				g.dropped = append(g.dropped, Edge{From: dep, To: id})
				continue
			}
			g.dependents[dep] = append(g.dependents[dep], id)
			g.deps[id] = append(g.deps[id], dep)
			g.inDegree[id]++
		}
	}

	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodeOrder)
}

// Nodes returns the node specs in insertion order.
func (g *Graph) Nodes() []core.NodeSpec {
	out := make([]core.NodeSpec, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// IDs returns the node ids in insertion order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.nodeOrder...)
}

// Node retrieves a node spec by id.
func (g *Graph) Node(id string) (core.NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Dependencies returns the retained dependencies of id in declaration order.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the nodes that depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Dropped returns the dependency edges that referenced unknown nodes.
func (g *Graph) Dropped() []Edge {
	return append([]Edge(nil), g.dropped...)
}

// TopologicalOrder returns the node ids ordered so that every node follows
// its dependencies, using Kahn's algorithm. Nodes that become ready at the
// same time keep their original insertion order.
// Returns an error wrapping core.ErrCyclicDependency if some nodes never
// become ready.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		inDegree[id] = d
	}

	queue := make([]string, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.nodeOrder))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range g.dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < len(g.nodeOrder) {
		var stuck []string
		for _, id := range g.nodeOrder {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{Nodes: stuck}
	}

	return order, nil
}

// CycleError lists the nodes that could not be ordered.
type CycleError struct {
	Nodes []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%s among nodes: %s", core.ErrCyclicDependency, strings.Join(e.Nodes, ", "))
}

// Unwrap makes errors.Is(err, core.ErrCyclicDependency) hold.
func (e *CycleError) Unwrap() error {
	return core.ErrCyclicDependency
}
