// Package httpapi exposes the upload and retrieval endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/imgd/api"
	"pkt.systems/imgd/internal/correlation"
	"pkt.systems/imgd/internal/ingest"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/respcache"
	"pkt.systems/imgd/internal/retrieve"
	"pkt.systems/imgd/internal/storage"
)

// Ingester commits staged uploads.
type Ingester interface {
	Ingest(ctx context.Context, staging *ingest.StagingFile) (ingest.Artifact, error)
}

// Retriever opens committed artifacts.
type Retriever interface {
	Open(ctx context.Context, id string) (*retrieve.Object, error)
}

// Config wires a Handler.
type Config struct {
	Ingester  Ingester
	Retriever Retriever
	// Cache fronts retrieval and the index page. Nil disables caching.
	Cache *respcache.Cache

	StagingDir        string
	MaxUploadBytes    int64
	UploadField       string
	AllowRawUpload    bool
	CSRFToken         string
	PublicURL         string
	TrustProxyHeaders bool

	Logger            pslog.Logger
	EnableHTTPTracing bool
}

// Handler serves the imgd HTTP API.
type Handler struct {
	ingester  Ingester
	retriever Retriever
	cache     *respcache.Cache

	stagingDir     string
	maxUploadBytes int64
	uploadField    string
	allowRaw       bool
	csrfToken      []byte
	publicURL      string
	trustProxy     bool

	logger             pslog.Logger
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Ingester == nil || cfg.Retriever == nil {
		return nil, errors.New("httpapi: ingester and retriever required")
	}
	if cfg.StagingDir == "" {
		return nil, errors.New("httpapi: staging dir required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, errors.New("httpapi: max upload bytes must be positive")
	}
	if cfg.UploadField == "" {
		cfg.UploadField = api.DefaultUploadField
	}
	h := &Handler{
		ingester:           cfg.Ingester,
		retriever:          cfg.Retriever,
		cache:              cfg.Cache,
		stagingDir:         cfg.StagingDir,
		maxUploadBytes:     cfg.MaxUploadBytes,
		uploadField:        cfg.UploadField,
		allowRaw:           cfg.AllowRawUpload,
		publicURL:          strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/"),
		trustProxy:         cfg.TrustProxyHeaders,
		logger:             loggingutil.Ensure(cfg.Logger),
		tracer:             otel.Tracer("pkt.systems/imgd/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
	if cfg.CSRFToken != "" {
		h.csrfToken = []byte(cfg.CSRFToken)
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/upload", h.wrap("upload", h.handleUpload))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/{$}", h.cache.Middleware(h.wrap("index", h.handleRoot)))
	mux.Handle("/{name}", h.cache.Middleware(h.wrap("image", h.handleImage)))
	mux.Handle("/", h.wrap("not_found", h.handleNotFound))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	txSpanName := "imgd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.httpTracingEnabled {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("imgd.sys", sys),
					attribute.String("imgd.operation", operation),
				),
			)
			defer span.End()
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", newRequestID(),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx, cid := correlation.FromHeader(ctx, r.Header.Get(correlation.Header))
		logger = logger.With("cid", cid)
		ctx = loggingutil.ContextWithLogger(ctx, logger)
		w.Header().Set(correlation.Header, cid)
		if span != nil {
			span.SetAttributes(attribute.String("imgd.correlation_id", cid))
		}
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r)
		if err == nil {
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
		}
		if errors.Is(err, context.Canceled) && errors.Is(r.Context().Err(), context.Canceled) {
			// Nobody is left to read a response.
			logger.Debug("http.request.canceled", "elapsed", time.Since(start))
			return
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, r, err)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "imgd.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(w, http.MethodGet, http.MethodHead)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte("ok\n"))
	}
	return nil
}

func (h *Handler) handleNotFound(http.ResponseWriter, *http.Request) error {
	return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "no such artifact"}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil || r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) error {
	allow := strings.Join(allowed, ", ")
	w.Header().Set("Allow", allow)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + allow,
	}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	httpErr, ok := classifyError(err)
	if !ok {
		logger.Error("http.request.internal_error", "error", err)
		httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
	} else {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
	}
	h.writeJSON(w, r, httpErr.Status, api.ErrorResponse{
		ErrorCode: httpErr.Code,
		Detail:    httpErr.Detail,
	}, nil)
}

// classifyError translates domain errors into their HTTP form. Unknown errors
// report false and are served as internal errors.
func classifyError(err error) (httpError, bool) {
	var httpErr httpError
	var unsupported *ingest.UnsupportedFormatError
	var unsupportedContent *retrieve.UnsupportedContentError
	var storageErr *ingest.StorageError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &httpErr):
		return httpErr, true
	case errors.As(err, &unsupported):
		return httpError{
			Status: http.StatusUnsupportedMediaType,
			Code:   "unsupported_format",
			Detail: fmt.Sprintf("content sniffed as %s; accepted formats: png, jpeg, gif, svg", unsupported.Format),
		}, true
	case errors.As(err, &maxBytes), errors.Is(err, ingest.ErrTooLarge):
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: "upload exceeds size limit"}, true
	case errors.Is(err, ingest.ErrEmpty):
		return httpError{Status: http.StatusBadRequest, Code: "missing_file", Detail: "uploaded file is empty"}, true
	case errors.Is(err, retrieve.ErrNotFound), errors.Is(err, retrieve.ErrInvalidID):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "no such artifact"}, true
	case errors.As(err, &unsupportedContent):
		return httpError{Status: http.StatusInternalServerError, Code: "unsupported_content", Detail: "stored artifact is not a servable image"}, true
	case errors.Is(err, storage.ErrInsufficientStorage):
		return httpError{Status: http.StatusInsufficientStorage, Code: "insufficient_storage", Detail: "store is out of space"}, true
	case errors.As(err, &storageErr):
		return httpError{Status: http.StatusInternalServerError, Code: "storage_error", Detail: "failed to " + storageErr.Op + " artifact"}, true
	case errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusRequestTimeout, Code: "timeout", Detail: "request did not complete in time"}, true
	}
	return httpError{}, false
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}
