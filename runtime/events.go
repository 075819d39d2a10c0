// Package runtime coordinates reflow runs: it plans levels, fans nodes out
// within a level, and records each node's result.
package runtime

import (
	"time"

	"github.com/petal-labs/reflow/core"
)

// EventKind identifies the type of event emitted by the runtime.
type EventKind string

const (
	// EventRunStarted is emitted when a run begins.
	EventRunStarted EventKind = "run.started"

	// EventRunFinished is emitted when a run completes, fails, or is canceled.
	EventRunFinished EventKind = "run.finished"

	// EventLevelStarted is emitted before the nodes of a level are started.
	EventLevelStarted EventKind = "level.started"

	// EventLevelFinished is emitted once every node of a level has finished.
	EventLevelFinished EventKind = "level.finished"

	// EventNodeStarted is emitted when a node begins execution.
	EventNodeStarted EventKind = "node.started"

	// EventNodeRetry is emitted when a failed attempt will be retried.
	EventNodeRetry EventKind = "node.retry"

	// EventNodeReflection is emitted on reflection gate transitions.
	EventNodeReflection EventKind = "node.reflection"

	// EventNodeOutput may be emitted by work units for intermediate output.
	EventNodeOutput EventKind = "node.output"

	// EventNodeFinished is emitted when a node records a Success result.
	EventNodeFinished EventKind = "node.finished"

	// EventNodeFailed is emitted when a node records an Error result.
	EventNodeFailed EventKind = "node.failed"

	// EventNodeSkipped is emitted when a node is not invoked.
	EventNodeSkipped EventKind = "node.skipped"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a run.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// NodeID is the node that produced this event (empty for run-level events).
	NodeID string

	// NodeKind is the kind of work unit (empty for run-level events).
	NodeKind core.NodeKind

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed) for retry scenarios.
	Attempt int

	// Elapsed is the duration since the run or node started.
	Elapsed time.Duration

	// Payload contains event-specific data. Keep this small.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Attempt: 1,
		Payload: make(map[string]any),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeKind core.NodeKind) Event {
	e.NodeID = nodeID
	e.NodeKind = nodeKind
	return e
}

// WithTime overrides the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// PayloadString returns a string payload value, or "".
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns an integer payload value. Values decoded from JSON
// arrive as float64 and are converted.
func (e Event) PayloadInt(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// EventEmitter is a function type for emitting events.
// The runtime places one in each node's context (see EmitterFromContext).
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// such as stamping trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
