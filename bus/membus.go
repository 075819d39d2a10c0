package bus

import (
	"sync"
	"sync/atomic"

	"github.com/petal-labs/reflow/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. Publishing never blocks: a subscriber
// whose buffer is full loses the event and its Dropped counter grows.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // runID -> subscribers
	global  []*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the subscribers of its run and to every global
// subscriber. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, kinds)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.remove(runID, sub) }
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize, kinds)
	if b.closed {
		sub.close()
		return sub
	}
	sub.detach = func() { b.removeGlobal(sub) }
	b.global = append(b.global, sub)
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.global {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.global = nil
	return nil
}

func (b *MemBus) remove(runID string, target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[runID]
	for i, s := range subs {
		if s == target {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, runID)
		return
	}
	b.subs[runID] = subs
}

func (b *MemBus) removeGlobal(target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.global {
		if s == target {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// memSub is an in-memory subscription.
type memSub struct {
	ch      chan runtime.Event
	kinds   kindSet
	dropped atomic.Uint64
	detach  func()

	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int, kinds []runtime.EventKind) *memSub {
	return &memSub{
		ch:    make(chan runtime.Event, bufSize),
		kinds: newKindSet(kinds),
	}
}

func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

func (s *memSub) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes its channel.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel once and reports whether this call did it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *memSub) send(event runtime.Event) {
	if !s.kinds.match(event.Kind) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
