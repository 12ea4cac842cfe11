package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  abc-123 "); !ok || got != "abc-123" {
		t.Fatalf("normalize = %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01id"); ok {
		t.Fatal("control characters should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected no id on empty context")
	}
	if ID(With(ctx, "\x00")) != "" {
		t.Fatal("invalid id must be ignored")
	}
	if got := ID(With(ctx, "req-1")); got != "req-1" {
		t.Fatalf("id = %q", got)
	}
}

func TestFromHeaderGeneratesWhenMissing(t *testing.T) {
	ctx, id := FromHeader(context.Background(), "")
	if id == "" || ID(ctx) != id {
		t.Fatalf("expected generated id on context, got %q / %q", id, ID(ctx))
	}
	ctx, id = FromHeader(context.Background(), "client-supplied")
	if id != "client-supplied" || ID(ctx) != "client-supplied" {
		t.Fatalf("expected adopted id, got %q", id)
	}
	if Generate() == Generate() {
		t.Fatal("generated ids collided")
	}
}
