package clock_test

import (
	"testing"
	"time"

	"pkt.systems/imgd/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
	if d := time.Since(now); d < 0 || d > time.Second {
		t.Fatalf("unexpected delta %v", d)
	}
}

func TestManualAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	m := clock.NewManual(start)
	if !m.Now().Equal(start) {
		t.Fatalf("now = %v want %v", m.Now(), start)
	}
	if got := m.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("advance = %v", got)
	}
	m.Advance(-time.Hour)
	if !m.Now().Equal(start.Add(90 * time.Second)) {
		t.Fatalf("negative advance moved clock to %v", m.Now())
	}
	later := start.Add(48 * time.Hour)
	m.Set(later)
	if !m.Now().Equal(later) {
		t.Fatalf("set = %v want %v", m.Now(), later)
	}
}
