package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/metricsutil"
)

type storeMetrics struct {
	ops      metric.Int64Counter
	duration metric.Int64Histogram
	backend  string
}

func newStoreMetrics(logger pslog.Logger, backend string) *storeMetrics {
	meter := metricsutil.Meter("storage")
	m := &storeMetrics{backend: backend}
	var err error

	m.ops, err = meter.Int64Counter(
		"imgd.storage.ops",
		metric.WithDescription("Artifact store operations by result"),
	)
	metricsutil.LogInitError(logger, "imgd.storage.ops", err)

	m.duration, err = meter.Int64Histogram(
		"imgd.storage.duration_ms",
		metric.WithDescription("Artifact store operation duration"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "imgd.storage.duration_ms", err)
	return m
}

func (m *storeMetrics) record(ctx context.Context, op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(
		attribute.String("imgd.storage.backend", m.backend),
		attribute.String("imgd.storage.operation", op),
		attribute.String("imgd.storage.result", result),
	)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
