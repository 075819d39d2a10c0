package runtime

import (
	"sync/atomic"
	"time"
)

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// newEmitter builds the per-run emitter: it stamps the sequence number and
// time, then fans the event out to the bus and the handler.
func newEmitter(opts Options) EventEmitter {
	seq := &seqGen{}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	emit := func(e Event) {
		e.Seq = seq.Next()
		if e.Time.IsZero() {
			e.Time = now()
		}
		if opts.EventBus != nil {
			opts.EventBus.Publish(e)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(e)
		}
	}
	if opts.EventEmitterDecorator != nil {
		return opts.EventEmitterDecorator(emit)
	}
	return emit
}
