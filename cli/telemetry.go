package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	reflowotel "github.com/petal-labs/reflow/otel"
)

const instrumentationName = "github.com/petal-labs/reflow"

// telemetry owns the SDK providers backing the tracing and metrics handlers.
// Spans are always recorded so events carry trace ids; they are exported
// only when an OTLP endpoint is configured.
type telemetry struct {
	tracing *reflowotel.TracingHandler
	metrics *reflowotel.MetricsHandler

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

func setupTelemetry(ctx context.Context, otlpEndpoint string) (*telemetry, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "reflow"))

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	metrics, err := reflowotel.NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	return &telemetry{
		tracing:        reflowotel.NewTracingHandler(tp.Tracer(instrumentationName)),
		metrics:        metrics,
		tracerProvider: tp,
		meterProvider:  mp,
		reader:         reader,
	}, nil
}

// shutdown flushes pending spans. It uses its own deadline so a canceled
// run still exports.
func (t *telemetry) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	terr := t.tracerProvider.Shutdown(ctx)
	merr := t.meterProvider.Shutdown(ctx)
	if terr != nil {
		return terr
	}
	return merr
}

// writeMetrics prints the collected instruments as "name{attrs} value" lines.
func (t *telemetry) writeMetrics(w io.Writer) error {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(context.Background(), &rm); err != nil {
		return err
	}

	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s %d", m.Name, formatAttrs(dp.Attributes), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s count=%d sum=%.3f", m.Name, formatAttrs(dp.Attributes), dp.Count, dp.Sum))
				}
			case metricdata.Histogram[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s count=%d sum=%d", m.Name, formatAttrs(dp.Attributes), dp.Count, dp.Sum))
				}
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	return nil
}

func formatAttrs(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	out := "{"
	iter := set.Iter()
	for i := 0; iter.Next(); i++ {
		kv := iter.Attribute()
		if i > 0 {
			out += ","
		}
		out += string(kv.Key) + "=" + kv.Value.Emit()
	}
	return out + "}"
}
