// Package otel translates reflow runtime events into OpenTelemetry spans
// and metrics.
package otel

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/reflow/runtime"
)

// TracingHandler builds a span tree from runtime events: one root span per
// run, one child span per level, and one span per node under its level.
// Retries and reflection transitions become span events on the node span.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	runs       map[string]runSpan   // runID -> root span
	levels     map[string]trace.Span // runID:level -> span
	nodeParent map[string]context.Context
	nodes      map[string]trace.Span // runID:nodeID -> span
}

type runSpan struct {
	span trace.Span
	ctx  context.Context
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		runs:       make(map[string]runSpan),
		levels:     make(map[string]trace.Span),
		nodeParent: make(map[string]context.Context),
		nodes:      make(map[string]trace.Span),
	}
}

// Handle processes a runtime event. It has the shape of runtime.EventHandler.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.runStarted(e)
	case runtime.EventLevelStarted:
		h.levelStarted(e)
	case runtime.EventLevelFinished:
		h.levelFinished(e)
	case runtime.EventNodeStarted:
		h.nodeStarted(e)
	case runtime.EventNodeRetry, runtime.EventNodeReflection:
		h.nodeEvent(e)
	case runtime.EventNodeFinished, runtime.EventNodeFailed:
		h.nodeEnded(e)
	case runtime.EventNodeSkipped:
		h.nodeSkipped(e)
	case runtime.EventRunFinished:
		h.runFinished(e)
	}
}

func nodeKey(runID, nodeID string) string { return runID + ":" + nodeID }

func levelKey(runID string, level int) string { return runID + "#" + strconv.Itoa(level) }

func (h *TracingHandler) runStarted(e runtime.Event) {
	attrs := []attribute.KeyValue{attribute.String("reflow.run_id", e.RunID)}
	if obj := e.PayloadString("objective"); obj != "" {
		attrs = append(attrs, attribute.String("reflow.objective", obj))
	}
	if n, ok := e.PayloadInt("nodes"); ok {
		attrs = append(attrs, attribute.Int("reflow.nodes", n))
	}

	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runs[e.RunID] = runSpan{span: span, ctx: ctx}
	h.mu.Unlock()
}

func (h *TracingHandler) parentFor(runID string) context.Context {
	if rs, ok := h.runs[runID]; ok {
		return rs.ctx
	}
	return context.Background()
}

func (h *TracingHandler) levelStarted(e runtime.Event) {
	level, _ := e.PayloadInt("level")

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, span := h.tracer.Start(h.parentFor(e.RunID), "level",
		trace.WithAttributes(
			attribute.String("reflow.run_id", e.RunID),
			attribute.Int("reflow.level", level),
		),
		trace.WithTimestamp(e.Time),
	)
	h.levels[levelKey(e.RunID, level)] = span

	nodes, _ := e.Payload["nodes"].([]string)
	for _, id := range nodes {
		h.nodeParent[nodeKey(e.RunID, id)] = ctx
	}
}

func (h *TracingHandler) levelFinished(e runtime.Event) {
	level, _ := e.PayloadInt("level")
	key := levelKey(e.RunID, level)

	h.mu.Lock()
	span, ok := h.levels[key]
	delete(h.levels, key)
	h.mu.Unlock()

	if ok {
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) startNode(e runtime.Event) trace.Span {
	key := nodeKey(e.RunID, e.NodeID)

	h.mu.Lock()
	defer h.mu.Unlock()

	parent, ok := h.nodeParent[key]
	if !ok {
		parent = h.parentFor(e.RunID)
	}
	delete(h.nodeParent, key)

	_, span := h.tracer.Start(parent, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("reflow.run_id", e.RunID),
			attribute.String("reflow.node_id", e.NodeID),
			attribute.String("reflow.node_kind", string(e.NodeKind)),
		),
		trace.WithTimestamp(e.Time),
	)
	return span
}

func (h *TracingHandler) nodeStarted(e runtime.Event) {
	span := h.startNode(e)
	if role := e.PayloadString("role"); role != "" {
		span.SetAttributes(attribute.String("reflow.role", role))
	}

	h.mu.Lock()
	h.nodes[nodeKey(e.RunID, e.NodeID)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) nodeEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.nodes[nodeKey(e.RunID, e.NodeID)]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int("reflow.attempt", e.Attempt)}
	switch e.Kind {
	case runtime.EventNodeRetry:
		attrs = append(attrs, attribute.String("reflow.error", e.PayloadString("error")))
		if wait, ok := e.PayloadInt("wait_ms"); ok {
			attrs = append(attrs, attribute.Int("reflow.wait_ms", wait))
		}
	case runtime.EventNodeReflection:
		round, _ := e.PayloadInt("round")
		attrs = append(attrs,
			attribute.String("reflow.from", e.PayloadString("from")),
			attribute.String("reflow.to", e.PayloadString("to")),
			attribute.Int("reflow.round", round),
		)
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) nodeEnded(e runtime.Event) {
	key := nodeKey(e.RunID, e.NodeID)

	h.mu.Lock()
	span, ok := h.nodes[key]
	delete(h.nodes, key)
	h.mu.Unlock()

	if !ok {
		// Unregistered nodes fail without a node.started event.
		span = h.startNode(e)
	}

	rounds, _ := e.PayloadInt("rounds")
	span.SetAttributes(
		attribute.Int("reflow.attempts", e.Attempt),
		attribute.Int("reflow.rounds", rounds),
		attribute.String("reflow.outcome", e.PayloadString("outcome")),
	)
	if e.Kind == runtime.EventNodeFailed {
		msg := e.PayloadString("error")
		if msg == "" {
			msg = "node failed"
		}
		span.SetAttributes(attribute.String("reflow.code", e.PayloadString("code")))
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) nodeSkipped(e runtime.Event) {
	span := h.startNode(e)
	span.SetAttributes(
		attribute.Bool("reflow.skipped", true),
		attribute.String("reflow.reason", e.PayloadString("reason")),
		attribute.String("reflow.code", e.PayloadString("code")),
	)
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) runFinished(e runtime.Event) {
	nodePrefix, levelPrefix := e.RunID+":", e.RunID+"#"

	h.mu.Lock()
	rs, ok := h.runs[e.RunID]
	delete(h.runs, e.RunID)
	var open []trace.Span
	for k, span := range h.nodes {
		if strings.HasPrefix(k, nodePrefix) {
			open = append(open, span)
			delete(h.nodes, k)
		}
	}
	for k, span := range h.levels {
		if strings.HasPrefix(k, levelPrefix) {
			open = append(open, span)
			delete(h.levels, k)
		}
	}
	for k := range h.nodeParent {
		if strings.HasPrefix(k, nodePrefix) {
			delete(h.nodeParent, k)
		}
	}
	h.mu.Unlock()

	for _, span := range open {
		span.SetStatus(codes.Error, "run finished before span ended")
		span.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := e.PayloadString("status")
	failed, _ := e.PayloadInt("failed_nodes")
	rs.span.SetAttributes(
		attribute.String("reflow.status", status),
		attribute.Int("reflow.failed_nodes", failed),
	)
	switch status {
	case "failed", "canceled":
		msg := e.PayloadString("error")
		if msg == "" {
			msg = "run " + status
		}
		rs.span.SetStatus(codes.Error, msg)
	default:
		rs.span.SetStatus(codes.Ok, "")
	}
	rs.span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the running node span, or an
// empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodes[nodeKey(runID, nodeID)]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext of the run's root span, or an
// empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	rs, ok := h.runs[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return rs.span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
