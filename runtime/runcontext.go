package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/reflow/core"
)

// ErrAlreadyRecorded is returned when a node's result is written twice.
var ErrAlreadyRecorded = errors.New("result already recorded")

// RunContext is the append-only map of node results for one run.
// Each node owns exactly one key and writes it once.
type RunContext struct {
	mu      sync.RWMutex
	results map[string]core.Result
	order   []string // write order
}

// NewRunContext creates an empty run context.
func NewRunContext() *RunContext {
	return &RunContext{results: make(map[string]core.Result)}
}

// Record stores the result of nodeID.
func (rc *RunContext) Record(nodeID string, r core.Result) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.results[nodeID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, nodeID)
	}
	rc.results[nodeID] = r
	rc.order = append(rc.order, nodeID)
	return nil
}

// Get returns the recorded result of nodeID.
func (rc *RunContext) Get(nodeID string) (core.Result, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	r, ok := rc.results[nodeID]
	return r, ok
}

// Subset returns the recorded results of the given ids. Ids without a
// result are absent from the map. When successOnly is set, Error results
// are omitted as well.
func (rc *RunContext) Subset(ids []string, successOnly bool) map[string]core.Result {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]core.Result, len(ids))
	for _, id := range ids {
		r, ok := rc.results[id]
		if !ok || (successOnly && r.IsError()) {
			continue
		}
		out[id] = r
	}
	return out
}

// Failed returns the ids among deps that have no result or an Error result.
func (rc *RunContext) Failed(deps []string) []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	var failed []string
	for _, id := range deps {
		if r, ok := rc.results[id]; !ok || r.IsError() {
			failed = append(failed, id)
		}
	}
	return failed
}

// Snapshot returns a copy of all recorded results.
func (rc *RunContext) Snapshot() map[string]core.Result {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]core.Result, len(rc.results))
	for id, r := range rc.results {
		out[id] = r
	}
	return out
}

// Order returns node ids in the order their results were recorded.
func (rc *RunContext) Order() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]string(nil), rc.order...)
}

// Len returns the number of recorded results.
func (rc *RunContext) Len() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.results)
}
