package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"pkt.systems/imgd/internal/clock"
	"pkt.systems/imgd/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	Clock clock.Clock
	// MaxBytes caps the total payload held; zero means unbounded. Commits
	// that would exceed it fail with storage.ErrInsufficientStorage.
	MaxBytes int64
}

// Store implements storage.Store in memory; intended for tests and local dev.
type Store struct {
	mu    sync.RWMutex
	objs  map[string]*objectEntry
	used  int64
	max   int64
	clock clock.Clock
}

type objectEntry struct {
	payload []byte
	etag    string
	updated time.Time
}

// New returns a ready to use unbounded in-memory store.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Store{
		objs:  make(map[string]*objectEntry),
		max:   cfg.MaxBytes,
		clock: cfg.Clock,
	}
}

// Commit copies srcPath into memory under id.
func (s *Store) Commit(ctx context.Context, id, srcPath string) (storage.ObjectInfo, error) {
	if id == "" {
		return storage.ObjectInfo{}, storage.ErrInvalidID
	}
	s.mu.RLock()
	_, exists := s.objs[id]
	s.mu.RUnlock()
	if exists {
		return storage.ObjectInfo{}, storage.ErrExists
	}
	payload, err := readFile(ctx, srcPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("memory: read source: %w", err)
	}
	sum := sha256.Sum256(payload)
	entry := &objectEntry{
		payload: payload,
		etag:    hex.EncodeToString(sum[:]),
		updated: s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[id]; ok {
		return storage.ObjectInfo{}, storage.ErrExists
	}
	if s.max > 0 && s.used+int64(len(payload)) > s.max {
		return storage.ObjectInfo{}, storage.ErrInsufficientStorage
	}
	s.objs[id] = entry
	s.used += int64(len(payload))
	return entry.info(id), nil
}

// Open returns a reader over a private view of the stored bytes.
func (s *Store) Open(_ context.Context, id string) (io.ReadCloser, storage.ObjectInfo, error) {
	s.mu.RLock()
	entry, ok := s.objs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ObjectInfo{}, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(entry.payload)), entry.info(id), nil
}

// Len reports the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (e *objectEntry) info(id string) storage.ObjectInfo {
	return storage.ObjectInfo{
		ID:      id,
		Size:    int64(len(e.payload)),
		ModTime: e.updated,
		ETag:    e.etag,
	}
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if fi, err := f.Stat(); err == nil {
		buf.Grow(int(fi.Size()))
	}
	if _, err := io.Copy(&buf, contextReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
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
