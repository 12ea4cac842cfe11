package respcache

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/metricsutil"
)

type cacheMetrics struct {
	lookups metric.Int64Counter
}

func newCacheMetrics(logger pslog.Logger) *cacheMetrics {
	meter := metricsutil.Meter("respcache")
	lookups, err := meter.Int64Counter(
		"imgd.respcache.lookups",
		metric.WithDescription("Response cache lookups by result"),
	)
	metricsutil.LogInitError(logger, "imgd.respcache.lookups", err)
	return &cacheMetrics{lookups: lookups}
}

func (m *cacheMetrics) record(ctx context.Context, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("imgd.cache.result", result)))
}
