package memory

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/imgd/internal/clock"
	"pkt.systems/imgd/internal/storage"
)

func writeTemp(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestCommitOpenRoundTrip(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewWithConfig(Config{Clock: clock.NewManual(start)})
	ctx := context.Background()

	info, err := store.Commit(ctx, "abc", writeTemp(t, "payload"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Size != 7 || !info.ModTime.Equal(start) || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	rc, got, err := store.Open(ctx, "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("body = %q", body)
	}
	if got != info {
		t.Fatalf("open info %+v != commit info %+v", got, info)
	}
}

func TestCommitNoClobber(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Commit(ctx, "abc", writeTemp(t, "first")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Commit(ctx, "abc", writeTemp(t, "second")); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rc, _, err := store.Open(ctx, "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "first" {
		t.Fatalf("artifact overwritten: %q", body)
	}
}

func TestConcurrentCommitSingleWinner(t *testing.T) {
	store := New()
	src := writeTemp(t, "x")
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Commit(context.Background(), "race", src)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestOpenNotFound(t *testing.T) {
	if _, _, err := New().Open(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitRespectsCapacity(t *testing.T) {
	store := NewWithConfig(Config{MaxBytes: 8})
	ctx := context.Background()
	if _, err := store.Commit(ctx, "a", writeTemp(t, "12345")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Commit(ctx, "b", writeTemp(t, "12345")); !errors.Is(err, storage.ErrInsufficientStorage) {
		t.Fatalf("expected ErrInsufficientStorage, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d", store.Len())
	}
}

func TestCommitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := New()
	if _, err := store.Commit(ctx, "a", writeTemp(t, "data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("canceled commit stored an artifact")
	}
}
