package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/reflow/runtime"
)

// StoreSubscriber writes events to an EventStore. Persistence failures
// are logged and never propagate into the run.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event. It has the shape of runtime.EventHandler.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Consume drains sub into the store until the subscription closes or ctx
// is done. The returned channel is closed when draining stops.
func (s *StoreSubscriber) Consume(ctx context.Context, sub Subscription) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				s.Handle(e)
			}
		}
	}()
	return done
}
