package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/metricsutil"
	"pkt.systems/imgd/internal/sniff"
)

type ingestMetrics struct {
	uploads   metric.Int64Counter
	received  metric.Int64Counter
	committed metric.Int64Counter
	duration  metric.Int64Histogram
}

func newIngestMetrics(logger pslog.Logger) *ingestMetrics {
	meter := metricsutil.Meter("ingest")
	m := &ingestMetrics{}
	var err error

	m.uploads, err = meter.Int64Counter(
		"imgd.ingest.uploads",
		metric.WithDescription("Ingest runs by outcome"),
	)
	metricsutil.LogInitError(logger, "imgd.ingest.uploads", err)

	m.received, err = meter.Int64Counter(
		"imgd.ingest.received.bytes",
		metric.WithDescription("Staged upload bytes"),
		metric.WithUnit("By"),
	)
	metricsutil.LogInitError(logger, "imgd.ingest.received.bytes", err)

	m.committed, err = meter.Int64Counter(
		"imgd.ingest.committed.bytes",
		metric.WithDescription("Committed artifact bytes"),
		metric.WithUnit("By"),
	)
	metricsutil.LogInitError(logger, "imgd.ingest.committed.bytes", err)

	m.duration, err = meter.Int64Histogram(
		"imgd.ingest.duration_ms",
		metric.WithDescription("Ingest duration from staged to terminal state"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "imgd.ingest.duration_ms", err)
	return m
}

func (m *ingestMetrics) record(ctx context.Context, format sniff.Format, outcome string, received, committed int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(
		attribute.String("imgd.format", format.String()),
		attribute.String("imgd.ingest.outcome", outcome),
	)
	if m.uploads != nil {
		m.uploads.Add(ctx, 1, attrs)
	}
	if m.received != nil && received > 0 {
		m.received.Add(ctx, received, attrs)
	}
	if m.committed != nil && committed > 0 {
		m.committed.Add(ctx, committed, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
