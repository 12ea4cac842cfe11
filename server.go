package imgd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/clock"
	"pkt.systems/imgd/internal/httpapi"
	"pkt.systems/imgd/internal/ingest"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/optimize"
	"pkt.systems/imgd/internal/respcache"
	"pkt.systems/imgd/internal/retrieve"
	"pkt.systems/imgd/internal/storage"
	"pkt.systems/imgd/internal/storage/disk"
	loggingstore "pkt.systems/imgd/internal/storage/logging"
	"pkt.systems/imgd/internal/version"
)

// Server wraps the HTTP server, the artifact store and the ingest and
// retrieval components built on it.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	store      storage.Store
	ownsStore  bool
	handler    *httpapi.Handler
	cache      *respcache.Cache
	httpSrv    *http.Server
	listener   net.Listener
	socketPath string
	clock      clock.Clock
	telemetry  *telemetry

	// storeTmpDir holds in-flight commit files of stores that stage on
	// local disk; crashed commits leave them behind.
	storeTmpDir string

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Store      storage.Store
	Clock      clock.Clock
	Optimizers []optimize.Option
}

// WithLogger supplies the root logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects an artifact store instead of opening cfg.Store. The
// caller keeps ownership: Shutdown does not close it.
func WithStore(s storage.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock overrides the clock used by the staging sweeper.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOptimizerOptions forwards options to the optimizer dispatcher, for
// example to replace a format profile.
func WithOptimizerOptions(opts ...optimize.Option) Option {
	return func(o *options) {
		o.Optimizers = append(o.Optimizers, opts...)
	}
}

// NewServer validates cfg and wires the store, optimizer, ingest pipeline,
// retrieval service, response cache and HTTP handler.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.Ensure(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	ctx := context.Background()

	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	success := false
	defer func() {
		if !success {
			_ = tel.Shutdown(context.Background())
		}
	}()

	store := o.Store
	ownsStore := store == nil
	if ownsStore {
		if store, err = openStore(ctx, cfg); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if !success {
				_ = store.Close()
			}
		}()
	}
	var storeTmpDir string
	if ts, ok := store.(interface{ TempDir() string }); ok {
		storeTmpDir = ts.TempDir()
	}
	store = loggingstore.Wrap(store, logger, "storage")

	for _, dir := range []string{cfg.StagingDir, cfg.ScratchDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}
	external, err := cfg.OptimizerCommands()
	if err != nil {
		return nil, err
	}
	optimizer, err := optimize.New(optimize.Config{
		ScratchDir:    cfg.ScratchDir(),
		JPEGQuality:   cfg.JPEGQuality,
		PNGQuantize:   cfg.PNGQuantize,
		PNGMaxColors:  cfg.PNGMaxColors,
		External:      external,
		Timeout:       cfg.OptimizeTimeout,
		MaxConcurrent: cfg.MaxConcurrentOptimizations,
		Logger:        logger,
	}, o.Optimizers...)
	if err != nil {
		return nil, err
	}
	pipeline, err := ingest.New(ingest.Config{
		Store:     store,
		Optimizer: optimizer,
		Timeout:   cfg.IngestTimeout,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	cache := respcache.New(respcache.Config{
		MaxEntries:    cfg.CacheEntries,
		MaxEntryBytes: cfg.CacheEntryMaxBytes,
		TTL:           cfg.CacheTTL,
		Logger:        logger,
	})
	handler, err := httpapi.New(httpapi.Config{
		Ingester:          pipeline,
		Retriever:         retrieve.New(store, logger),
		Cache:             cache,
		StagingDir:        cfg.StagingDir,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		UploadField:       cfg.UploadField,
		AllowRawUpload:    cfg.AllowRawUpload,
		CSRFToken:         cfg.CSRFToken,
		PublicURL:         cfg.PublicURL,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Logger:            logger,
		EnableHTTPTracing: tel != nil && tel.tracing,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           serverHeader(mux),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: loggingutil.WithSubsystem(logger, "api.http.server")}, "", 0),
	}

	success = true
	return &Server{
		cfg:         cfg,
		logger:      loggingutil.WithSubsystem(logger, "server"),
		store:       store,
		ownsStore:   ownsStore,
		storeTmpDir: storeTmpDir,
		handler:     handler,
		cache:       cache,
		httpSrv:     httpSrv,
		clock:       serverClock,
		telemetry:   tel,
		readyCh:     make(chan struct{}),
	}, nil
}

func serverHeader(next http.Handler) http.Handler {
	product := version.Product()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", product)
		next.ServeHTTP(w, r)
	})
}

// errorLogWriter routes net/http's internal log lines (TLS handshake
// failures, panics in handlers) through the structured logger.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Warn("http.server.error", "detail", msg)
	}
	return len(p), nil
}

// Handler returns the underlying HTTP handler so imgd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"store", redactStore(s.cfg.Store),
		"staging_dir", s.cfg.StagingDir,
		"version", version.Current(),
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("server.shutdown.begin")
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown
// timeout.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Cache exposes the response cache, mainly for tests and admin tooling.
func (s *Server) Cache() *respcache.Cache {
	return s.cache
}

// startSweeper reclaims staging and scratch files orphaned by crashed or
// abandoned requests. One pass runs immediately, then every SweepInterval.
func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	stopCh := s.sweeperStop
	s.sweeperDone.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		s.sweepStaging()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				s.sweepStaging()
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

// sweepStaging removes files older than StagingMaxAge. StagingMaxAge always
// exceeds IngestTimeout, so files belonging to live requests are never
// touched.
func (s *Server) sweepStaging() int {
	now := s.clock.Now()
	total := 0
	staged, err := ingest.SweepStaging(s.cfg.StagingDir, s.cfg.StagingMaxAge, now)
	total += staged
	if err != nil {
		s.logger.Warn("server.sweep.staging_failed", "dir", s.cfg.StagingDir, "error", err)
	}
	scratch, err := ingest.Sweep(s.cfg.ScratchDir(), "", s.cfg.StagingMaxAge, now)
	total += scratch
	if err != nil {
		s.logger.Warn("server.sweep.scratch_failed", "dir", s.cfg.ScratchDir(), "error", err)
	}
	commits := 0
	if s.storeTmpDir != "" {
		commits, err = ingest.Sweep(s.storeTmpDir, disk.CommitTempPrefix, s.cfg.StagingMaxAge, now)
		total += commits
		if err != nil {
			s.logger.Warn("server.sweep.store_tmp_failed", "dir", s.storeTmpDir, "error", err)
		}
	}
	if total > 0 {
		s.logger.Info("server.sweep.removed", "staging", staged, "scratch", scratch, "commits", commits)
	}
	return total
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// redactStore strips credentials and query parameters (SAS tokens) from a
// store DSN before it is logged.
func redactStore(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if scheme, rest, ok := strings.Cut(dsn, "://"); ok {
		if at := strings.LastIndexByte(rest, '@'); at >= 0 {
			rest = rest[at+1:]
		}
		return scheme + "://" + rest
	}
	return dsn
}

// StartServer starts a server in the background and returns a stop function
// that shuts it down. The server is also stopped when ctx is canceled.
//
//	srv, stop, err := imgd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(waitCtx)
	defer cancelReady()
	go func() {
		// A Start that fails before listening must not leave us waiting.
		select {
		case err := <-errCh:
			errCh <- err
			cancelReady()
		case <-srv.readyCh:
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
