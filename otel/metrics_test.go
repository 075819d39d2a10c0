package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/reflow/core"
	reflowotel "github.com/petal-labs/reflow/otel"
	"github.com/petal-labs/reflow/runtime"
)

func newMetricsHandler(t *testing.T) (*reflowotel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	h, err := reflowotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumBy(t *testing.T, m *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: data is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func finished(kind runtime.EventKind, node, status, outcome string, rounds int) runtime.Event {
	return runtime.NewEvent(kind, "run-1").
		WithNode(node, core.NodeKindLLM).
		WithElapsed(200 * time.Millisecond).
		WithPayload("status", status).
		WithPayload("outcome", outcome).
		WithPayload("rounds", rounds)
}

func TestMetricsHandler_NodeExecutionsByStatus(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(finished(runtime.EventNodeFinished, "a", "success", "accepted", 1))
	h.Handle(finished(runtime.EventNodeFinished, "b", "success", "exhausted", 5))
	h.Handle(finished(runtime.EventNodeFailed, "c", "error", "error", 0))

	rm := collect(t, reader)
	exec := findMetric(rm, reflowotel.MetricNodeExecutions)
	if exec == nil {
		t.Fatal("node executions metric missing")
	}
	if got := sumBy(t, exec, "status", "success"); got != 2 {
		t.Errorf("success executions = %d, want 2", got)
	}
	if got := sumBy(t, exec, "status", "error"); got != 1 {
		t.Errorf("error executions = %d, want 1", got)
	}

	dur := findMetric(rm, reflowotel.MetricNodeDuration)
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data is %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("duration samples = %d, want 3", count)
	}
}

func TestMetricsHandler_ReflectionRoundsByOutcome(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(finished(runtime.EventNodeFinished, "a", "success", "accepted", 2))
	h.Handle(finished(runtime.EventNodeFinished, "b", "success", "exhausted", 5))

	rounds := findMetric(collect(t, reader), reflowotel.MetricReflectionRounds)
	if rounds == nil {
		t.Fatal("reflection rounds metric missing")
	}
	hist := rounds.Data.(metricdata.Histogram[int64])
	got := map[string]int64{}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		got[v.AsString()] = dp.Sum
	}
	if got["accepted"] != 2 || got["exhausted"] != 5 {
		t.Fatalf("round sums = %v", got)
	}
}

func TestMetricsHandler_RetriesAndRunDuration(t *testing.T) {
	h, reader := newMetricsHandler(t)

	for i := 0; i < 2; i++ {
		h.Handle(runtime.NewEvent(runtime.EventNodeRetry, "run-1").WithNode("a", core.NodeKindLLM))
	}
	h.Handle(runtime.NewEvent(runtime.EventRunFinished, "run-1").
		WithElapsed(2 * time.Second).
		WithPayload("status", "completed"))

	rm := collect(t, reader)
	if got := sumBy(t, findMetric(rm, reflowotel.MetricNodeRetries), "node_kind", "llm"); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
	run := findMetric(rm, reflowotel.MetricRunDuration)
	hist := run.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 2 {
		t.Fatalf("run duration points = %+v", hist.DataPoints)
	}
}

func TestMetricsHandler_IgnoresOtherEvents(t *testing.T) {
	h, reader := newMetricsHandler(t)

	h.Handle(runtime.NewEvent(runtime.EventRunStarted, "run-1"))
	h.Handle(runtime.NewEvent(runtime.EventNodeStarted, "run-1").WithNode("a", core.NodeKindLLM))
	h.Handle(runtime.NewEvent(runtime.EventLevelFinished, "run-1"))

	rm := collect(t, reader)
	for _, name := range []string{reflowotel.MetricNodeExecutions, reflowotel.MetricRunDuration} {
		if m := findMetric(rm, name); m != nil {
			t.Errorf("unexpected data for %s", name)
		}
	}
}
