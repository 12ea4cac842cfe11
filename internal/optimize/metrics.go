package optimize

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/metricsutil"
	"pkt.systems/imgd/internal/sniff"
)

type optimizerMetrics struct {
	runs     metric.Int64Counter
	inBytes  metric.Int64Counter
	outBytes metric.Int64Counter
	duration metric.Int64Histogram
}

func newOptimizerMetrics(logger pslog.Logger) *optimizerMetrics {
	meter := metricsutil.Meter("optimize")
	m := &optimizerMetrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"imgd.optimize.runs",
		metric.WithDescription("Optimization pipeline runs by outcome"),
	)
	metricsutil.LogInitError(logger, "imgd.optimize.runs", err)

	m.inBytes, err = meter.Int64Counter(
		"imgd.optimize.input.bytes",
		metric.WithDescription("Bytes fed into the optimizer"),
		metric.WithUnit("By"),
	)
	metricsutil.LogInitError(logger, "imgd.optimize.input.bytes", err)

	m.outBytes, err = meter.Int64Counter(
		"imgd.optimize.output.bytes",
		metric.WithDescription("Bytes selected for commit after optimization"),
		metric.WithUnit("By"),
	)
	metricsutil.LogInitError(logger, "imgd.optimize.output.bytes", err)

	m.duration, err = meter.Int64Histogram(
		"imgd.optimize.duration_ms",
		metric.WithDescription("Optimization pipeline duration"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "imgd.optimize.duration_ms", err)
	return m
}

func (m *optimizerMetrics) record(ctx context.Context, format sniff.Format, outcome string, in, out int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(
		attribute.String("imgd.format", format.String()),
		attribute.String("imgd.optimize.outcome", outcome),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.inBytes != nil {
		m.inBytes.Add(ctx, in, attrs)
	}
	if m.outBytes != nil {
		m.outBytes.Add(ctx, out, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
