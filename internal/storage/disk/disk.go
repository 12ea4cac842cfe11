package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/ident"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/storage"
)

// CommitTempPrefix names the temp files Commit writes under TempDir.
const CommitTempPrefix = "commit-"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// MinFreeBytes refuses commits that would leave less free space than
	// this on the filesystem holding Root. Zero disables the check.
	MinFreeBytes uint64
	// FreeSpace overrides the free space probe; tests use it.
	FreeSpace func(ctx context.Context, path string) (uint64, error)
}

// Store implements storage.Store on the local filesystem. Artifacts live at
// objects/<first two id chars>/<id>; commits are staged under tmp/ on the
// same filesystem and published with a no-replace rename.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	minFree   uint64
	freeSpace func(ctx context.Context, path string) (uint64, error)
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	objectDir := filepath.Join(root, "objects")
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{objectDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = freeBytes
	}
	return &Store{
		root:      root,
		objectDir: objectDir,
		tmpDir:    tmpDir,
		minFree:   cfg.MinFreeBytes,
		freeSpace: cfg.FreeSpace,
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// TempDir returns the directory holding in-flight commit files. Files left
// there by a crash are reclaimed by the server's staging sweeper.
func (s *Store) TempDir() string { return s.tmpDir }

// Close is a no-op for the disk backend.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := loggingutil.FromContext(ctx, nil).With("storage_backend", "disk")
	return logger, logger
}

func (s *Store) objectPath(id string) (string, error) {
	if !ident.Valid(id) {
		return "", storage.ErrInvalidID
	}
	shard := id[:min(2, len(id))]
	return filepath.Join(s.objectDir, shard, id), nil
}

// Commit copies srcPath into the store and publishes it under id.
func (s *Store) Commit(ctx context.Context, id, srcPath string) (storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.commit.begin", "id", id)
	dest, err := s.objectPath(id)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	if _, err := os.Lstat(dest); err == nil {
		verbose.Debug("disk.commit.exists", "id", id)
		return storage.ObjectInfo{}, storage.ErrExists
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: open source for %q: %w", id, err)
	}
	defer src.Close()
	srcInfo, err := src.Stat()
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: stat source for %q: %w", id, err)
	}
	if err := s.ensureSpace(ctx, srcInfo.Size()); err != nil {
		logger.Warn("disk.commit.insufficient_space", "id", id, "size", srcInfo.Size(), "error", err)
		return storage.ObjectInfo{}, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: prepare shard directory for %q: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.tmpDir, CommitTempPrefix+"*")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: create temp object for %q: %w", id, err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.Remove(tmp.Name())
		}
	}()
	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: src})
	if err != nil {
		tmp.Close()
		return storage.ObjectInfo{}, fmt.Errorf("disk: write object %q: %w", id, err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		return storage.ObjectInfo{}, fmt.Errorf("disk: sync object %q: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("disk: close object %q: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	if err := renameNoReplace(tmp.Name(), dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			verbose.Debug("disk.commit.exists", "id", id)
			return storage.ObjectInfo{}, storage.ErrExists
		}
		logger.Debug("disk.commit.rename_error", "id", id, "error", err)
		return storage.ObjectInfo{}, fmt.Errorf("disk: publish object %q: %w", id, err)
	}
	published = true
	if err := syncDir(dir); err != nil {
		logger.Debug("disk.commit.sync_dir_error", "id", id, "error", err)
	}
	info := storage.ObjectInfo{ID: id, Size: written, ModTime: time.Now().UTC()}
	if fi, err := os.Stat(dest); err == nil {
		info.Size = fi.Size()
		info.ModTime = fi.ModTime().UTC()
	}
	verbose.Debug("disk.commit.success", "id", id, "size", info.Size, "elapsed", time.Since(start))
	return info, nil
}

// Open streams the artifact stored under id.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.open.begin", "id", id)
	path, err := s.objectPath(id)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose.Debug("disk.open.not_found", "id", id)
			return nil, storage.ObjectInfo{}, storage.ErrNotFound
		}
		logger.Debug("disk.open.error", "id", id, "error", err)
		return nil, storage.ObjectInfo{}, fmt.Errorf("disk: open object %q: %w", id, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storage.ObjectInfo{}, fmt.Errorf("disk: stat object %q: %w", id, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	info := storage.ObjectInfo{ID: id, Size: fi.Size(), ModTime: fi.ModTime().UTC()}
	verbose.Debug("disk.open.success", "id", id, "size", info.Size)
	return f, info, nil
}

func (s *Store) ensureSpace(ctx context.Context, size int64) error {
	if s.minFree == 0 {
		return nil
	}
	free, err := s.freeSpace(ctx, s.root)
	if err != nil {
		return fmt.Errorf("disk: probe free space: %w", err)
	}
	need := s.minFree
	if size > 0 {
		need += uint64(size)
	}
	if free < need {
		return fmt.Errorf("%w: %d bytes free, need %d", storage.ErrInsufficientStorage, free, need)
	}
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
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
