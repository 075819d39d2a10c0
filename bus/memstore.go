package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/reflow/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // runID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, q Query) ([]runtime.Event, error) {
	s.mu.RLock()
	all := append([]runtime.Event(nil), s.events[q.RunID]...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	var result []runtime.Event
	for _, e := range all {
		if !q.match(e) {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemEventStore) Runs(_ context.Context) ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]RunSummary, 0, len(s.events))
	for id, events := range s.events {
		runs = append(runs, summarize(id, events))
	}
	sortRuns(runs)
	return runs, nil
}

func sortRuns(runs []RunSummary) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].Started.Equal(runs[j].Started) {
			return runs[i].Started.After(runs[j].Started)
		}
		return runs[i].RunID < runs[j].RunID
	})
}

var _ EventStore = (*MemEventStore)(nil)
