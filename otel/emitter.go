package otel

import "github.com/petal-labs/reflow/runtime"

// EnrichEmitter wraps an emitter so every event carries the trace and span
// ids of the span it belongs to. Node events use the node span and fall back
// to the run span; events with no active span pass through unchanged.
//
// A node.started event carries the run span ids: the node span opens only
// when the tracing handler receives that event.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.NodeID != "" {
			if sc := tracing.ActiveSpanContext(e.RunID, e.NodeID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			if sc := tracing.ActiveRunSpanContext(e.RunID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator adapts EnrichEmitter to runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
