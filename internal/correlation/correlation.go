// Package correlation carries the per-request correlation identifier that
// ties upload, storage and retrieval log lines together.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to accept and echo correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength caps externally supplied identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id when it normalizes, otherwise ctx.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and accepts it only when it is printable ASCII and at
// most MaxIDLength characters.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh time-ordered identifier (UUIDv7). It panics when
// the system entropy source fails.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FromHeader adopts the identifier from an inbound header value or generates
// one, returning the updated context and the identifier in use.
func FromHeader(ctx context.Context, header string) (context.Context, string) {
	if normalized, ok := Normalize(header); ok {
		return With(ctx, normalized), normalized
	}
	id := Generate()
	return With(ctx, id), id
}
