package retrieve

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/metricsutil"
	"pkt.systems/imgd/internal/sniff"
)

type retrieveMetrics struct {
	opens    metric.Int64Counter
	duration metric.Int64Histogram
}

func newRetrieveMetrics(logger pslog.Logger) *retrieveMetrics {
	meter := metricsutil.Meter("retrieve")
	m := &retrieveMetrics{}
	var err error

	m.opens, err = meter.Int64Counter(
		"imgd.retrieve.opens",
		metric.WithDescription("Artifact lookups by outcome"),
	)
	metricsutil.LogInitError(logger, "imgd.retrieve.opens", err)

	m.duration, err = meter.Int64Histogram(
		"imgd.retrieve.duration_ms",
		metric.WithDescription("Time to open and sniff an artifact"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "imgd.retrieve.duration_ms", err)
	return m
}

func (m *retrieveMetrics) record(ctx context.Context, format sniff.Format, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(
		attribute.String("imgd.format", format.String()),
		attribute.String("imgd.retrieve.outcome", outcome),
	)
	if m.opens != nil {
		m.opens.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
