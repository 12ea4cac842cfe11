package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/imgd/api"
	"pkt.systems/imgd/internal/correlation"
	"pkt.systems/imgd/internal/ingest"
	"pkt.systems/imgd/internal/optimize"
	"pkt.systems/imgd/internal/respcache"
	"pkt.systems/imgd/internal/retrieve"
	"pkt.systems/imgd/internal/sniff"
	"pkt.systems/imgd/internal/storage"
	"pkt.systems/imgd/internal/storage/memory"
)

type countingStore struct {
	storage.Store
	opens atomic.Int32
}

func (c *countingStore) Open(ctx context.Context, id string) (io.ReadCloser, storage.ObjectInfo, error) {
	c.opens.Add(1)
	return c.Store.Open(ctx, id)
}

type testEnv struct {
	server     *httptest.Server
	store      *countingStore
	stagingDir string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	store := &countingStore{Store: memory.New()}
	dispatcher, err := optimize.New(optimize.Config{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	pipeline, err := ingest.New(ingest.Config{Store: store, Optimizer: dispatcher})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	cfg := Config{
		Ingester:       pipeline,
		Retriever:      retrieve.New(store, nil),
		Cache:          respcache.New(respcache.Config{MaxEntries: 16}),
		StagingDir:     t.TempDir(),
		MaxUploadBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: store, stagingDir: cfg.StagingDir}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: 0x40, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := (&png.Encoder{CompressionLevel: png.NoCompression}).Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type formField struct {
	name, value string
	file        []byte
}

func multipartBody(t *testing.T, fields ...formField) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		if f.file == nil {
			if err := mw.WriteField(f.name, f.value); err != nil {
				t.Fatal(err)
			}
			continue
		}
		part, err := mw.CreateFormFile(f.name, "upload.bin")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(f.file); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, path string, header http.Header, fields ...formField) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, fields...)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, status, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("error content type = %q", ct)
	}
	var envelope api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.ErrorCode != code {
		t.Fatalf("error code = %q, want %q (detail %q)", envelope.ErrorCode, code, envelope.Detail)
	}
}

func (e *testEnv) assertStagingEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.stagingDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging dir holds %d leftover files", len(entries))
	}
}

var urlPattern = regexp.MustCompile(`^http://127\.0\.0\.1:\d+/([A-Za-z0-9_-]{12})\.png$`)

func TestUploadAndRetrievePNG(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.upload(t, "/upload", nil, formField{name: "imagedata", file: testPNG(t)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	location := string(readBody(t, resp))
	m := urlPattern.FindStringSubmatch(location)
	if m == nil {
		t.Fatalf("unexpected upload body %q", location)
	}
	if got := resp.Header.Get(api.HeaderGyazoID); got != m[1] {
		t.Fatalf("%s = %q, want %q", api.HeaderGyazoID, got, m[1])
	}
	env.assertStagingEmpty(t)

	get, err := http.Get(location)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer get.Body.Close()
	data := readBody(t, get)
	if get.StatusCode != http.StatusOK || get.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("get status %d type %q", get.StatusCode, get.Header.Get("Content-Type"))
	}
	if sniff.Sniff(data) != sniff.PNG {
		t.Fatalf("served bytes do not sniff as png")
	}
	stored, _, err := env.store.Store.Open(context.Background(), m[1])
	if err != nil {
		t.Fatal(err)
	}
	defer stored.Close()
	if want, _ := io.ReadAll(stored); !bytes.Equal(data, want) {
		t.Fatalf("served %d bytes, stored %d", len(data), len(want))
	}
	for header, want := range map[string]string{
		"Cache-Control":          immutableCacheControl,
		"ETag":                   `"` + m[1] + `"`,
		"X-Content-Type-Options": "nosniff",
	} {
		if got := get.Header.Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
	if get.Header.Get("Last-Modified") == "" {
		t.Fatalf("missing Last-Modified")
	}

	// The extension is cosmetic.
	bare := env.do(t, http.MethodGet, "/"+m[1], nil)
	if !bytes.Equal(readBody(t, bare), data) {
		t.Fatalf("extensionless path served different bytes")
	}
}

func TestRootAliasAcceptsUploads(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.upload(t, "/", nil, formField{name: "imagedata", file: testPNG(t)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(t, resp))
	}
}

func TestUploadSVGServedWithPolicy(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := []byte(`<?xml version="1.0"?>
<!-- drawing -->
<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><rect width="10" height="10" fill="red"/></svg>`)
	resp := env.upload(t, "/upload", nil, formField{name: "imagedata", file: doc})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	location := string(readBody(t, resp))
	if !strings.HasSuffix(location, ".svg") {
		t.Fatalf("location %q", location)
	}
	get, err := http.Get(location)
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	if get.Header.Get("Content-Type") != "image/svg+xml" || get.Header.Get("Content-Security-Policy") != svgContentPolicy {
		t.Fatalf("svg headers: %v", get.Header)
	}
	if body := readBody(t, get); bytes.Contains(body, []byte("drawing")) {
		t.Fatalf("svg was not minified: %s", body)
	}
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.upload(t, "/upload", nil, formField{name: "comment", value: "no file here"})
	expectError(t, resp, http.StatusBadRequest, "missing_file")

	resp = env.upload(t, "/upload", nil, formField{name: "imagedata", file: []byte("#!/bin/sh\necho not an image\n")})
	expectError(t, resp, http.StatusUnsupportedMediaType, "unsupported_format")

	resp = env.upload(t, "/upload", nil, formField{name: "imagedata", file: append([]byte("BM"), make([]byte, 128)...)})
	expectError(t, resp, http.StatusUnsupportedMediaType, "unsupported_format")

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/upload", strings.NewReader("no boundary"))
	req.Header.Set("Content-Type", "multipart/form-data")
	broken, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer broken.Body.Close()
	expectError(t, broken, http.StatusBadRequest, "malformed_body")

	env.assertStagingEmpty(t)
	if env.store.Store.(*memory.Store).Len() != 0 {
		t.Fatalf("rejected uploads reached the store")
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxUploadBytes = 2048 })
	resp := env.upload(t, "/upload", nil, formField{name: "imagedata", file: testPNG(t)})
	expectError(t, resp, http.StatusRequestEntityTooLarge, "body_too_large")
	env.assertStagingEmpty(t)
}

func TestUploadCSRF(t *testing.T) {
	const token = "s3cret-token"
	env := newTestEnv(t, func(cfg *Config) { cfg.CSRFToken = token })
	file := formField{name: "imagedata", file: testPNG(t)}

	expectError(t, env.upload(t, "/upload", nil, file), http.StatusForbidden, "csrf_invalid")
	expectError(t, env.upload(t, "/upload", http.Header{"X-Csrf-Token": {"wrong"}}, file), http.StatusForbidden, "csrf_invalid")
	expectError(t, env.upload(t, "/upload", nil, file, formField{name: api.FieldCSRFToken, value: token}), http.StatusForbidden, "csrf_invalid")
	env.assertStagingEmpty(t)

	if resp := env.upload(t, "/upload", http.Header{"X-Csrf-Token": {token}}, file); resp.StatusCode != http.StatusOK {
		t.Fatalf("header token rejected: %d", resp.StatusCode)
	}
	if resp := env.upload(t, "/upload", nil, formField{name: api.FieldCSRFToken, value: token}, file); resp.StatusCode != http.StatusOK {
		t.Fatalf("field token rejected: %d", resp.StatusCode)
	}
}

func TestRawUpload(t *testing.T) {
	post := func(env *testEnv, contentType string, body []byte) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/upload", bytes.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	disabled := newTestEnv(t, nil)
	expectError(t, post(disabled, "image/png", testPNG(t)), http.StatusBadRequest, "malformed_body")

	enabled := newTestEnv(t, func(cfg *Config) { cfg.AllowRawUpload = true })
	if resp := post(enabled, "image/png", testPNG(t)); resp.StatusCode != http.StatusOK {
		t.Fatalf("raw upload status %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if resp := post(enabled, "application/octet-stream", testPNG(t)); resp.StatusCode != http.StatusOK {
		t.Fatalf("octet-stream upload status %d", resp.StatusCode)
	}
	expectError(t, post(enabled, "text/plain", []byte("hello")), http.StatusUnsupportedMediaType, "unsupported_format")
}

func TestRetrievalErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	expectError(t, env.do(t, http.MethodGet, "/doesNotExist123", nil), http.StatusNotFound, "not_found")
	expectError(t, env.do(t, http.MethodGet, "/doesNotExist123.png", nil), http.StatusNotFound, "not_found")
	expectError(t, env.do(t, http.MethodGet, "/abc.exe", nil), http.StatusNotFound, "not_found")
	expectError(t, env.do(t, http.MethodGet, "/a/b/c", nil), http.StatusNotFound, "not_found")
	expectError(t, env.do(t, http.MethodGet, "/%2e%2e%2fetc%2fpasswd", nil), http.StatusNotFound, "not_found")
	expectError(t, env.do(t, http.MethodGet, "/.png", nil), http.StatusBadRequest, "invalid_id")

	head := env.do(t, http.MethodHead, "/doesNotExist123", nil)
	if head.StatusCode != http.StatusNotFound || len(readBody(t, head)) != 0 {
		t.Fatalf("HEAD 404 carried a body or wrong status %d", head.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	for path, allow := range map[string]string{
		"/abc":     "GET, HEAD",
		"/":        "GET, HEAD, POST",
		"/upload":  "POST",
		"/healthz": "GET, HEAD",
	} {
		resp := env.do(t, http.MethodDelete, path, nil)
		if resp.Header.Get("Allow") != allow {
			t.Fatalf("%s Allow = %q, want %q", path, resp.Header.Get("Allow"), allow)
		}
		expectError(t, resp, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

func TestConditionalRequestsAndCache(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.upload(t, "/upload", nil, formField{name: "imagedata", file: testPNG(t)})
	id := resp.Header.Get(api.HeaderGyazoID)
	path := "/" + id + ".png"

	first := env.do(t, http.MethodGet, path, nil)
	if first.Header.Get(respcache.HeaderName) != "MISS" {
		t.Fatalf("first fetch %s = %q", respcache.HeaderName, first.Header.Get(respcache.HeaderName))
	}
	body := readBody(t, first)
	opens := env.store.opens.Load()

	second := env.do(t, http.MethodGet, path, nil)
	if second.Header.Get(respcache.HeaderName) != "HIT" || !bytes.Equal(readBody(t, second), body) {
		t.Fatalf("second fetch not served from cache")
	}
	if second.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("cached content type %q", second.Header.Get("Content-Type"))
	}
	if env.store.opens.Load() != opens {
		t.Fatalf("cache hit reached the store")
	}

	inm := env.do(t, http.MethodGet, path, http.Header{"If-None-Match": {`"` + id + `"`}})
	if inm.StatusCode != http.StatusNotModified || len(readBody(t, inm)) != 0 {
		t.Fatalf("If-None-Match status %d", inm.StatusCode)
	}
	star := env.do(t, http.MethodGet, path, http.Header{"If-None-Match": {"*"}})
	if star.StatusCode != http.StatusNotModified {
		t.Fatalf("If-None-Match * status %d", star.StatusCode)
	}
	other := env.do(t, http.MethodGet, path, http.Header{"If-None-Match": {`"other"`}})
	if other.StatusCode != http.StatusOK {
		t.Fatalf("mismatching etag status %d", other.StatusCode)
	}
	lastModified := first.Header.Get("Last-Modified")
	ims := env.do(t, http.MethodGet, path, http.Header{"If-Modified-Since": {lastModified}})
	if ims.StatusCode != http.StatusNotModified {
		t.Fatalf("If-Modified-Since status %d", ims.StatusCode)
	}
	past := time.Now().Add(-48 * time.Hour).UTC().Format(http.TimeFormat)
	stale := env.do(t, http.MethodGet, path, http.Header{"If-Modified-Since": {past}})
	if stale.StatusCode != http.StatusOK {
		t.Fatalf("stale If-Modified-Since status %d", stale.StatusCode)
	}
}

func TestHeadImage(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Cache = nil })
	resp := env.upload(t, "/upload", nil, formField{name: "imagedata", file: testPNG(t)})
	id := resp.Header.Get(api.HeaderGyazoID)
	head := env.do(t, http.MethodHead, "/"+id, nil)
	if head.StatusCode != http.StatusOK || head.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("HEAD status %d type %q", head.StatusCode, head.Header.Get("Content-Type"))
	}
	if head.ContentLength <= 0 || len(readBody(t, head)) != 0 {
		t.Fatalf("HEAD content length %d", head.ContentLength)
	}
	if head.Header.Get(respcache.HeaderName) != "" {
		t.Fatalf("disabled cache still annotated the response")
	}
}

func TestIndexAndHealth(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.CSRFToken = "x" })
	index := env.do(t, http.MethodGet, "/", nil)
	text := string(readBody(t, index))
	if index.StatusCode != http.StatusOK || !strings.Contains(text, "imgd/") || !strings.Contains(text, "curl -F imagedata=@image.png") {
		t.Fatalf("index page: %d %q", index.StatusCode, text)
	}
	if !strings.Contains(text, api.HeaderCSRFToken) {
		t.Fatalf("index page does not mention the token header")
	}
	health := env.do(t, http.MethodGet, "/healthz", nil)
	if health.StatusCode != http.StatusOK || string(readBody(t, health)) != "ok\n" {
		t.Fatalf("healthz: %d", health.StatusCode)
	}
	if health.Header.Get(respcache.HeaderName) != "" {
		t.Fatalf("healthz went through the cache")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/healthz", http.Header{correlation.Header: {"trace-me-123"}})
	if got := resp.Header.Get(correlation.Header); got != "trace-me-123" {
		t.Fatalf("correlation id = %q", got)
	}
	generated := env.do(t, http.MethodGet, "/healthz", nil)
	if generated.Header.Get(correlation.Header) == "" {
		t.Fatalf("no correlation id generated")
	}
}

func TestBaseURL(t *testing.T) {
	cases := []struct {
		name       string
		publicURL  string
		trustProxy bool
		tls        bool
		headers    map[string]string
		want       string
	}{
		{name: "plain", want: "http://example.com"},
		{name: "tls", tls: true, want: "https://example.com"},
		{name: "public", publicURL: "https://img.example.org/", want: "https://img.example.org"},
		{name: "ignored proxy", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "evil"}, want: "http://example.com"},
		{name: "trusted proxy", trustProxy: true, headers: map[string]string{"X-Forwarded-Proto": "https, http", "X-Forwarded-Host": "img.example.net"}, want: "https://img.example.net"},
		{name: "bogus proto", trustProxy: true, headers: map[string]string{"X-Forwarded-Proto": "gopher"}, want: "http://example.com"},
	}
	for _, tc := range cases {
		h := &Handler{publicURL: strings.TrimRight(tc.publicURL, "/"), trustProxy: tc.trustProxy}
		target := "http://example.com/upload"
		if tc.tls {
			target = "https://example.com/upload"
		}
		req := httptest.NewRequest(http.MethodPost, target, nil)
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		if got := h.baseURL(req); got != tc.want {
			t.Fatalf("%s: baseURL = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&ingest.UnsupportedFormatError{Format: sniff.BMP}, http.StatusUnsupportedMediaType, "unsupported_format"},
		{&ingest.StorageError{Op: "commit", Err: errors.New("boom")}, http.StatusInternalServerError, "storage_error"},
		{&ingest.StorageError{Op: "commit", Err: storage.ErrInsufficientStorage}, http.StatusInsufficientStorage, "insufficient_storage"},
		{fmt.Errorf("ingest: commit: %w", context.DeadlineExceeded), http.StatusRequestTimeout, "timeout"},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, "body_too_large"},
		{ingest.ErrEmpty, http.StatusBadRequest, "missing_file"},
		{retrieve.ErrInvalidID, http.StatusNotFound, "not_found"},
		{&retrieve.UnsupportedContentError{ID: "x"}, http.StatusInternalServerError, "unsupported_content"},
		{retrievalError(errors.New("backend down")), http.StatusInternalServerError, "storage_error"},
	}
	for _, tc := range cases {
		got, ok := classifyError(tc.err)
		if !ok || got.Status != tc.status || got.Code != tc.code {
			t.Fatalf("%v: got %+v (%v), want %d %s", tc.err, got, ok, tc.status, tc.code)
		}
	}
	if _, ok := classifyError(errors.New("mystery")); ok {
		t.Fatalf("unknown error classified")
	}
}

func TestRouterSys(t *testing.T) {
	if got := routerSys("upload"); got != "api.http.router.upload" {
		t.Fatalf("routerSys = %q", got)
	}
	if got := routerSys("not_found"); got != "api.http.router.not.found" {
		t.Fatalf("routerSys = %q", got)
	}
	if got := routerSys(""); got != "api.http.router" {
		t.Fatalf("routerSys = %q", got)
	}
}
