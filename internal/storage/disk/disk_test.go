package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/imgd/internal/storage"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = filepath.Join(t.TempDir(), "store")
	}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeSource(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestDiskCommitOpenRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	ctx := context.Background()
	src := writeSource(t, "image-bytes")

	info, err := store.Commit(ctx, "AbCdEf012345", src)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Size != int64(len("image-bytes")) || info.ID != "AbCdEf012345" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "objects", "Ab", "AbCdEf012345")); err != nil {
		t.Fatalf("object not at sharded path: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("commit must leave the source for the caller: %v", err)
	}
	rc, got, err := store.Open(ctx, "AbCdEf012345")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "image-bytes" {
		t.Fatalf("body = %q", body)
	}
	if got.Size != info.Size || got.ModTime.IsZero() {
		t.Fatalf("open info %+v", got)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "tmp"))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %d", len(entries))
	}
}

func TestDiskCommitNoClobber(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := store.Commit(ctx, "same", writeSource(t, "first")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Commit(ctx, "same", writeSource(t, "second")); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rc, _, err := store.Open(ctx, "same")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "first" {
		t.Fatalf("artifact overwritten: %q", body)
	}
}

func TestDiskRenameNoReplaceRace(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	src := writeSource(t, "payload")
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Commit(context.Background(), "racer", src)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrExists):
			default:
				t.Errorf("commit: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected a single winner, got %d", wins.Load())
	}
}

func TestDiskLinkPublishRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte(p), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := linkPublish(a, b); !errors.Is(err, os.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	c := filepath.Join(dir, "c")
	if err := linkPublish(a, c); err != nil {
		t.Fatalf("link publish: %v", err)
	}
	if _, err := os.Stat(a); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temporary name should be removed, stat err = %v", err)
	}
}

func TestDiskOpenNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	if _, _, err := store.Open(context.Background(), "nothere"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiskRejectsTraversal(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"", "..", "../etc/passwd", "a/b", `a\b`, ".hidden"} {
		if _, _, err := store.Open(ctx, id); !errors.Is(err, storage.ErrInvalidID) {
			t.Fatalf("open %q: expected ErrInvalidID, got %v", id, err)
		}
		if _, err := store.Commit(ctx, id, writeSource(t, "x")); !errors.Is(err, storage.ErrInvalidID) {
			t.Fatalf("commit %q: expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestDiskInsufficientSpace(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{
		MinFreeBytes: 1024,
		FreeSpace: func(context.Context, string) (uint64, error) {
			return 1030, nil
		},
	})
	_, err := store.Commit(context.Background(), "big", writeSource(t, "0123456789"))
	if !errors.Is(err, storage.ErrInsufficientStorage) {
		t.Fatalf("expected ErrInsufficientStorage, got %v", err)
	}
	if _, _, err := store.Open(context.Background(), "big"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("refused commit must not be visible, got %v", err)
	}
}

func TestDiskFreeSpaceProbe(t *testing.T) {
	t.Parallel()
	free, err := freeBytes(context.Background(), t.TempDir())
	if err != nil {
		t.Skipf("free space probe unavailable: %v", err)
	}
	if free == 0 {
		t.Fatalf("expected a non-zero free space reading")
	}
}

func TestDiskCommitCanceled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Commit(ctx, "cancel", writeSource(t, "data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, err := store.Open(context.Background(), "cancel"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("canceled commit visible: %v", err)
	}
}
