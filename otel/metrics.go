package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/reflow/runtime"
)

// Instrument names recorded by MetricsHandler.
const (
	MetricNodeExecutions   = "reflow.node.executions"
	MetricNodeDuration     = "reflow.node.duration"
	MetricNodeRetries      = "reflow.node.retries"
	MetricReflectionRounds = "reflow.reflection.rounds"
	MetricRunDuration      = "reflow.run.duration"
)

// MetricsHandler translates runtime events into OpenTelemetry metrics.
type MetricsHandler struct {
	nodeExecutions   metric.Int64Counter
	nodeDuration     metric.Float64Histogram
	nodeRetries      metric.Int64Counter
	reflectionRounds metric.Int64Histogram
	runDuration      metric.Float64Histogram
}

// NewMetricsHandler creates the reflow instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	exec, err := meter.Int64Counter(MetricNodeExecutions,
		metric.WithDescription("Number of finished node executions by status"),
	)
	if err != nil {
		return nil, err
	}

	dur, err := meter.Float64Histogram(MetricNodeDuration,
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(MetricNodeRetries,
		metric.WithDescription("Number of node attempts that were retried"),
	)
	if err != nil {
		return nil, err
	}

	rounds, err := meter.Int64Histogram(MetricReflectionRounds,
		metric.WithDescription("Reflection rounds per node by outcome"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 8),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram(MetricRunDuration,
		metric.WithDescription("Duration of a run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions:   exec,
		nodeDuration:     dur,
		nodeRetries:      retries,
		reflectionRounds: rounds,
		runDuration:      runDur,
	}, nil
}

// Handle records metrics for e. It has the shape of runtime.EventHandler.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	kind := attribute.String("node_kind", string(e.NodeKind))

	switch e.Kind {
	case runtime.EventNodeFinished, runtime.EventNodeFailed:
		status := e.PayloadString("status")
		if status == "" {
			status = "error"
		}
		h.nodeExecutions.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("status", status)))
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(kind))
		if outcome := e.PayloadString("outcome"); outcome != "" {
			rounds, _ := e.PayloadInt("rounds")
			h.reflectionRounds.Record(ctx, int64(rounds), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	case runtime.EventNodeRetry:
		h.nodeRetries.Add(ctx, 1, metric.WithAttributes(kind))
	case runtime.EventRunFinished:
		h.runDuration.Record(ctx, e.Elapsed.Seconds(),
			metric.WithAttributes(attribute.String("status", e.PayloadString("status"))))
	}
}
