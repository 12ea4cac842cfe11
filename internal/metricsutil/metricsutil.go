// Package metricsutil holds the small helpers shared by the per-package
// OpenTelemetry instrument sets.
package metricsutil

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// MeterPrefix namespaces every meter created by imgd.
const MeterPrefix = "pkt.systems/imgd/"

// Meter returns the global meter for an imgd subsystem.
func Meter(subsystem string) metric.Meter {
	return otel.Meter(MeterPrefix + subsystem)
}

// LogInitError reports an instrument that failed to register. The instrument
// stays nil and recording becomes a no-op.
func LogInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// Context returns ctx, or a background context when ctx is nil.
func Context(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ResultLabel maps err to the result attribute value.
func ResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
