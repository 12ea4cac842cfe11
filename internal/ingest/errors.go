package ingest

import (
	"fmt"

	"pkt.systems/imgd/internal/sniff"
)

// UnsupportedFormatError rejects uploads whose bytes do not sniff as a
// supported image format.
type UnsupportedFormatError struct {
	Format sniff.Format
}

func (e *UnsupportedFormatError) Error() string {
	if e.Format == sniff.Unsupported {
		return "ingest: unrecognised image format"
	}
	return fmt.Sprintf("ingest: unsupported image format %s", e.Format)
}

// StorageError wraps a store failure during commit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ingest: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
