// Package bus distributes reflow run events to live subscribers and
// persists them so a finished run can be replayed.
package bus

import "github.com/petal-labs/reflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a single run. When kinds are
	// given, only events of those kinds are delivered.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. The channel
	// is closed when the subscription or the bus is closed.
	Events() <-chan runtime.Event

	// Dropped reports how many events were discarded because the
	// subscriber's buffer was full.
	Dropped() uint64

	// Close unsubscribes and releases resources.
	Close() error
}

// kindSet is a small filter over event kinds. A nil set matches everything.
type kindSet map[runtime.EventKind]struct{}

func newKindSet(kinds []runtime.EventKind) kindSet {
	if len(kinds) == 0 {
		return nil
	}
	set := make(kindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func (s kindSet) match(k runtime.EventKind) bool {
	if s == nil {
		return true
	}
	_, ok := s[k]
	return ok
}
