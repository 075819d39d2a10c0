package bus

import (
	"context"
	"time"

	"github.com/petal-labs/reflow/runtime"
)

// Query selects events of a single run.
type Query struct {
	RunID string

	// AfterSeq returns events with Seq > AfterSeq (0 means all).
	AfterSeq uint64

	// Limit caps the number of events returned (0 means no limit).
	Limit int

	// NodeID restricts the result to one node's events.
	NodeID string

	// Kinds restricts the result to the given event kinds.
	Kinds []runtime.EventKind
}

// RunSummary describes one stored run.
type RunSummary struct {
	RunID    string
	Events   int
	LastSeq  uint64
	Started  time.Time
	Finished time.Time
	// Status is taken from the run.finished payload, or "running".
	Status string
}

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns the events matching q in Seq order.
	List(ctx context.Context, q Query) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// Runs summarizes every stored run, most recently started first.
	Runs(ctx context.Context) ([]RunSummary, error)
}

func (q Query) match(e runtime.Event) bool {
	if q.AfterSeq > 0 && e.Seq <= q.AfterSeq {
		return false
	}
	if q.NodeID != "" && e.NodeID != q.NodeID {
		return false
	}
	return newKindSet(q.Kinds).match(e.Kind)
}

// summarize folds a run's events into a RunSummary.
func summarize(runID string, events []runtime.Event) RunSummary {
	s := RunSummary{RunID: runID, Events: len(events), Status: "running"}
	for _, e := range events {
		if e.Seq > s.LastSeq {
			s.LastSeq = e.Seq
		}
		switch e.Kind {
		case runtime.EventRunStarted:
			s.Started = e.Time
		case runtime.EventRunFinished:
			s.Finished = e.Time
			if status := e.PayloadString("status"); status != "" {
				s.Status = status
			}
		}
	}
	return s
}
