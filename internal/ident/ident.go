// Package ident mints the opaque identifiers artifacts are stored and served
// under.
package ident

import (
	"encoding/base64"

	"github.com/google/uuid"
)

const (
	// Length is the number of characters in a generated identifier.
	Length = 12
	// MaxLength bounds identifiers accepted from request paths.
	MaxLength = 64

	entropyBytes = Length * 6 / 8
)

// Generate returns a new 12 character URL-safe identifier carrying 72 bits of
// randomness from a version 4 UUID. It is safe for concurrent use and panics
// if the system entropy source fails.
func Generate() string {
	u := uuid.New()
	// Bytes 6 and 8 carry version and variant bits; skip them so every
	// output character is random.
	var raw [entropyBytes]byte
	copy(raw[:6], u[0:6])
	raw[6] = u[7]
	copy(raw[7:], u[9:11])
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// Valid reports whether id could name an artifact: 1 to MaxLength characters
// from [0-9A-Za-z_-]. Anything else (dots, slashes, percent escapes) is
// rejected before it reaches a store.
func Valid(id string) bool {
	if id == "" || len(id) > MaxLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
