// Package respcache is a bounded in-memory cache for complete GET responses.
// It is an optimization only: every response it replays could have been
// produced by the wrapped handler.
package respcache

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/correlation"
	"pkt.systems/imgd/internal/loggingutil"
)

const (
	// HeaderName reports HIT or MISS on cacheable requests.
	HeaderName = "X-Cache"

	DefaultMaxEntries    = 1024
	DefaultMaxEntryBytes = 1 << 20
	DefaultTTL           = 365 * 24 * time.Hour
)

// Config sizes the cache. MaxEntries <= 0 disables it.
type Config struct {
	MaxEntries    int
	MaxEntryBytes int64
	TTL           time.Duration
	Logger        pslog.Logger
}

type entry struct {
	status int
	header http.Header
	body   []byte
}

// Cache replays stored responses. It is safe for concurrent use.
type Cache struct {
	lru      *expirable.LRU[string, *entry]
	maxBytes int64
	logger   pslog.Logger
	metrics  *cacheMetrics
}

// New builds a cache from cfg.
func New(cfg Config) *Cache {
	logger := loggingutil.WithSubsystem(cfg.Logger, "respcache")
	c := &Cache{logger: logger, metrics: newCacheMetrics(logger)}
	if cfg.MaxEntries <= 0 {
		return c
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	c.maxBytes = cfg.MaxEntryBytes
	c.lru = expirable.NewLRU[string, *entry](cfg.MaxEntries, nil, cfg.TTL)
	return c
}

// Enabled reports whether responses are being cached.
func (c *Cache) Enabled() bool { return c != nil && c.lru != nil }

// Len returns the number of live entries.
func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c.Enabled() {
		c.lru.Purge()
	}
}

// Middleware serves GET and HEAD requests from the cache and stores complete
// 200 responses produced by next.
func (c *Cache) Middleware(next http.Handler) http.Handler {
	if !c.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		// Validators are answered by the handler itself.
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			next.ServeHTTP(w, r)
			return
		}
		key := cacheKey(r)
		if e, ok := c.lru.Get(key); ok {
			c.metrics.record(r.Context(), "hit")
			c.replay(w, r, e)
			return
		}
		c.metrics.record(r.Context(), "miss")
		w.Header().Set(HeaderName, "MISS")
		if r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		rec := &recorder{ResponseWriter: w, limit: c.maxBytes}
		next.ServeHTTP(rec, r)
		if e := rec.entry(); e != nil {
			c.lru.Add(key, e)
			loggingutil.FromContext(r.Context(), c.logger).Trace("respcache.store", "key", key, "bytes", len(e.body))
		}
	})
}

func (c *Cache) replay(w http.ResponseWriter, r *http.Request, e *entry) {
	h := w.Header()
	for k, v := range e.header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(HeaderName, "HIT")
	w.WriteHeader(e.status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(e.body)
}

func cacheKey(r *http.Request) string {
	// HEAD shares the GET entry.
	return http.MethodGet + " " + r.URL.Path
}

// recorder tees the response into a bounded buffer while it streams to the
// client. Once the body outgrows the limit the buffer is dropped.
type recorder struct {
	http.ResponseWriter
	limit       int64
	status      int
	header      http.Header
	buf         bytes.Buffer
	overflow    bool
	wroteHeader bool
	writeErr    bool
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.header = r.ResponseWriter.Header().Clone()
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if r.status == http.StatusOK && !r.overflow {
		if int64(r.buf.Len()+len(p)) > r.limit {
			r.overflow = true
			r.buf = bytes.Buffer{}
		} else {
			r.buf.Write(p)
		}
	}
	n, err := r.ResponseWriter.Write(p)
	if err != nil {
		r.writeErr = true
	}
	return n, err
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *recorder) entry() *entry {
	if r.status != http.StatusOK || r.overflow || r.writeErr {
		return nil
	}
	if strings.Contains(strings.ToLower(r.header.Get("Cache-Control")), "no-store") {
		return nil
	}
	body := r.buf.Bytes()
	// A short body means the handler gave up mid-stream.
	if cl := r.header.Get("Content-Length"); cl != "" && cl != strconv.Itoa(len(body)) {
		return nil
	}
	header := r.header.Clone()
	header.Del(HeaderName)
	header.Del(correlation.Header)
	header.Del("Date")
	return &entry{status: r.status, header: header, body: append([]byte(nil), body...)}
}
