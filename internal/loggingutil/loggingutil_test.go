package loggingutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("api", "", ".http.", " ", "upload"); got != "api.http.upload" {
		t.Fatalf("subsystem = %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("empty subsystem = %q", got)
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf)
	WithSubsystem(logger, "ingest.pipeline").Info("hello")
	if !strings.Contains(buf.String(), "ingest.pipeline") {
		t.Fatalf("expected subsystem in output, got %q", buf.String())
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected noop logger")
	}
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf)
	ctx := ContextWithLogger(context.Background(), logger)
	FromContext(ctx, nil).Info("from-context")
	if !strings.Contains(buf.String(), "from-context") {
		t.Fatalf("expected context logger to be used, got %q", buf.String())
	}
	buf.Reset()
	pslog.LoggerFromContext(ctx).Info("via-pslog")
	if !strings.Contains(buf.String(), "via-pslog") {
		t.Fatalf("expected logger to be visible to pslog as well, got %q", buf.String())
	}
}

func TestFromContextUsesFallbackWithoutStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	fallback := pslog.NewStructured(context.Background(), &buf)
	FromContext(context.Background(), fallback).Info("fallback-used")
	if !strings.Contains(buf.String(), "fallback-used") {
		t.Fatalf("expected fallback logger to be used, got %q", buf.String())
	}

	buf.Reset()
	var other bytes.Buffer
	ctx := pslog.ContextWithLogger(context.Background(), pslog.NewStructured(context.Background(), &other))
	FromContext(ctx, fallback).Info("pslog-only")
	if !strings.Contains(buf.String(), "pslog-only") || other.Len() != 0 {
		t.Fatalf("a logger stored only through pslog must not shadow the fallback: fallback=%q other=%q", buf.String(), other.String())
	}
}
