package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
)

const stagingPrefix = "stage-"

var (
	// ErrTooLarge is returned by Stage when the body exceeds the limit.
	ErrTooLarge = errors.New("ingest: upload exceeds size limit")
	// ErrEmpty is returned by Stage for a zero-length body.
	ErrEmpty = errors.New("ingest: empty upload")
)

// StagingFile is a request-scoped temporary file holding raw upload bytes.
type StagingFile struct {
	Path string
	Size int64
}

// Remove deletes the staging file. It is safe to call more than once.
func (s *StagingFile) Remove() error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Stage streams r into a new file under dir, enforcing limit bytes when
// limit > 0. The partial file is removed on every error.
func Stage(ctx context.Context, dir string, r io.Reader, limit int64) (*StagingFile, error) {
	path := filepath.Join(dir, stagingPrefix+xid.New().String())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ingest: create staging file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(path)
		}
	}()
	src := io.Reader(contextReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	written, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ingest: stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("ingest: close staging file: %w", err)
	}
	if limit > 0 && written > limit {
		return nil, ErrTooLarge
	}
	if written == 0 {
		return nil, ErrEmpty
	}
	keep = true
	return &StagingFile{Path: path, Size: written}, nil
}

// SweepStaging removes staging files under dir last modified before
// now-olderThan, reclaiming files orphaned by a crash.
func SweepStaging(dir string, olderThan time.Duration, now time.Time) (int, error) {
	return Sweep(dir, stagingPrefix, olderThan, now)
}

// Sweep removes regular files in dir whose name starts with prefix (any name
// when prefix is empty) and that were last modified before now-olderThan.
func Sweep(dir, prefix string, olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
