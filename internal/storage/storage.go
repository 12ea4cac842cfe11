// Package storage defines the artifact store contract shared by every backend.
// Artifacts are write-once blobs addressed by an opaque identifier.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ContentTypeOctetStream is recorded by object-store backends. Clients never
// see it; the served type is always derived by sniffing.
const ContentTypeOctetStream = "application/octet-stream"

var (
	// ErrNotFound indicates the requested artifact does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists is returned by Commit when the identifier is already taken.
	ErrExists = errors.New("storage: artifact exists")
	// ErrInsufficientStorage is returned when the backend refuses a commit
	// because it is running out of space.
	ErrInsufficientStorage = errors.New("storage: insufficient storage")
	// ErrInvalidID rejects identifiers that cannot name an artifact.
	ErrInvalidID = errors.New("storage: invalid id")
)

// ObjectInfo describes a committed artifact.
type ObjectInfo struct {
	ID      string
	Size    int64
	ModTime time.Time
	// ETag is the backend native entity tag, informational only.
	ETag string
}

// Store persists artifacts.
//
// Commit publishes the file at srcPath under id so that readers observe
// either nothing or the complete bytes. It never overwrites: an existing id
// yields ErrExists. The source file is left in place for the caller to
// remove.
type Store interface {
	Commit(ctx context.Context, id, srcPath string) (ObjectInfo, error)
	Open(ctx context.Context, id string) (io.ReadCloser, ObjectInfo, error)
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as a network or availability failure.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with NewTransientError.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
