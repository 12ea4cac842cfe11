package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/imgd/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "imgd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "images",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
	return server, cfg
}

func writeSource(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestS3CommitOpenRoundTrip(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if ok, err := store.BucketExists(ctx); err != nil || !ok {
		t.Fatalf("bucket exists = %v, %v", ok, err)
	}

	info, err := store.Commit(ctx, "Zq9_x-12abcd", writeSource(t, "gif-bytes"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Size != int64(len("gif-bytes")) {
		t.Fatalf("size = %d", info.Size)
	}
	rc, got, err := store.Open(ctx, "Zq9_x-12abcd")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "gif-bytes" {
		t.Fatalf("body = %q", body)
	}
	if got.Size != info.Size || got.ModTime.IsZero() {
		t.Fatalf("open info %+v", got)
	}
	if store.objectKey("Zq9_x-12abcd") != "images/Zq9_x-12abcd" {
		t.Fatalf("object key = %q", store.objectKey("Zq9_x-12abcd"))
	}
}

func TestS3CommitNoClobber(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Commit(ctx, "dup", writeSource(t, "first")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.Commit(ctx, "dup", writeSource(t, "second")); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rc, _, err := store.Open(ctx, "dup")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "first" {
		t.Fatalf("artifact overwritten: %q", body)
	}
}

func TestS3OpenNotFound(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, _, err := store.Open(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Open(context.Background(), "../x"); !errors.Is(err, storage.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	store := &Store{}
	err := store.wrapError(syscall.ECONNREFUSED, "s3: put object")
	if !storage.IsTransient(err) || !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected transient wrapped error, got %v", err)
	}
	if storage.IsTransient(store.wrapError(errors.New("denied"), "s3: put object")) {
		t.Fatalf("plain error marked transient")
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read([]byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestNotFoundAwareObjectConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &notFoundAwareObject{object: obj}
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Read: expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil || !obj.closed {
		t.Fatalf("Close: err=%v closed=%v", err, obj.closed)
	}
}
