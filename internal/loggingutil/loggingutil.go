// Package loggingutil holds the small pslog conventions shared by every imgd
// package: the subsystem field, a disabled fallback logger and context lookup.
package loggingutil

import (
	"context"
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(context.Background(), io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}

// Ensure returns l when non-nil, otherwise a disabled logger.
func Ensure(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

type loggerKey struct{}

// ContextWithLogger stores logger in ctx for FromContext. The logger is also
// attached with pslog.ContextWithLogger so pslog-aware callees see it.
func ContextWithLogger(ctx context.Context, logger pslog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		return ctx
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored by ContextWithLogger, or fallback
// when none is present. A nil fallback yields a disabled logger.
// pslog.LoggerFromContext cannot be used here since it never returns nil.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if l, ok := Lookup(ctx); ok {
		return l
	}
	return Ensure(fallback)
}

// Lookup reports the logger stored by ContextWithLogger, if any.
func Lookup(ctx context.Context) (pslog.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	l, ok := ctx.Value(loggerKey{}).(pslog.Logger)
	return l, ok && l != nil
}

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem tags every entry emitted through the returned logger with the
// subsystem path.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
