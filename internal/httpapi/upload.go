package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"pkt.systems/imgd/api"
	"pkt.systems/imgd/internal/ingest"
	"pkt.systems/imgd/internal/loggingutil"
)

const maxTokenFieldBytes = 1 << 10

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return h.handleIndex(w, r)
	case http.MethodPost:
		return h.handleUpload(w, r)
	default:
		return methodNotAllowed(w, http.MethodGet, http.MethodHead, http.MethodPost)
	}
}

// handleUpload stages the request body, hands it to the ingest pipeline and
// answers with the canonical URL of the committed artifact.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, http.MethodPost)
	}
	if r.ContentLength > h.maxUploadBytes {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: "upload exceeds size limit"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	staging, err := h.stageUpload(r)
	if err != nil {
		return err
	}
	logger := loggingutil.FromContext(r.Context(), h.logger)
	logger.Trace("upload.staged", "size", staging.Size)

	art, err := h.ingester.Ingest(r.Context(), staging)
	if err != nil {
		return err
	}
	location := h.artifactURL(r, art.ID+"."+art.Format.Extension())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(api.HeaderGyazoID, art.ID)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, location)
	return nil
}

func (h *Handler) stageUpload(r *http.Request) (*ingest.StagingFile, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "multipart/form-data":
		return h.stageMultipart(r)
	case !h.allowRaw:
		return nil, httpError{Status: http.StatusBadRequest, Code: "malformed_body", Detail: "expected multipart/form-data"}
	case strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream":
		if !h.headerTokenValid(r) {
			return nil, errCSRF
		}
		return ingest.Stage(r.Context(), h.stagingDir, r.Body, h.maxUploadBytes)
	default:
		return nil, httpError{Status: http.StatusUnsupportedMediaType, Code: "unsupported_format", Detail: "raw uploads must be image/* or application/octet-stream"}
	}
}

var errCSRF = httpError{Status: http.StatusForbidden, Code: "csrf_invalid", Detail: "missing or invalid anti-forgery token"}

// stageMultipart streams the form. The first part named after the upload
// field is the file; a _csrf field only counts when it precedes the file.
func (h *Handler) stageMultipart(r *http.Request) (*ingest.StagingFile, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, httpError{Status: http.StatusBadRequest, Code: "malformed_body", Detail: err.Error()}
	}
	tokenOK := h.headerTokenValid(r)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, httpError{Status: http.StatusBadRequest, Code: "missing_file", Detail: "multipart field " + h.uploadField + " is required"}
		}
		if err != nil {
			return nil, partError(err)
		}
		switch part.FormName() {
		case h.uploadField:
			if !tokenOK {
				part.Close()
				return nil, errCSRF
			}
			// Stage errors are classified by handleError.
			staging, err := ingest.Stage(r.Context(), h.stagingDir, part, h.maxUploadBytes)
			part.Close()
			if err != nil {
				return nil, err
			}
			return staging, nil
		case api.FieldCSRFToken:
			if !tokenOK {
				tokenOK = h.tokenValid(readField(part))
			}
		default:
			if _, err := io.Copy(io.Discard, part); err != nil {
				part.Close()
				return nil, partError(err)
			}
		}
		part.Close()
	}
}

// partError maps a failure while walking the form. Anything but an
// exhausted body limit is a malformed request.
func partError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "body_too_large", Detail: "upload exceeds size limit"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return httpError{Status: http.StatusBadRequest, Code: "malformed_body", Detail: err.Error()}
}

func readField(part *multipart.Part) string {
	data, _ := io.ReadAll(io.LimitReader(part, maxTokenFieldBytes))
	return strings.TrimSpace(string(data))
}

func (h *Handler) headerTokenValid(r *http.Request) bool {
	if h.csrfToken == nil {
		return true
	}
	return h.tokenValid(r.Header.Get(api.HeaderCSRFToken))
}

func (h *Handler) tokenValid(token string) bool {
	if h.csrfToken == nil {
		return true
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), h.csrfToken) == 1
}

// artifactURL resolves the absolute URL clients should use for name.
func (h *Handler) artifactURL(r *http.Request, name string) string {
	return h.baseURL(r) + "/" + name
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if h.trustProxy {
		if proto := firstHeaderValue(r, "X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}
		if fwdHost := firstHeaderValue(r, "X-Forwarded-Host"); fwdHost != "" {
			host = fwdHost
		}
	}
	return scheme + "://" + host
}

func firstHeaderValue(r *http.Request, name string) string {
	v := r.Header.Get(name)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}
