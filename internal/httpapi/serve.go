package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/imgd/api"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/retrieve"
	"pkt.systems/imgd/internal/sniff"
	"pkt.systems/imgd/internal/version"
)

const (
	immutableCacheControl = "public, max-age=31536000, immutable"
	svgContentPolicy      = "default-src 'none'; style-src 'unsafe-inline'; sandbox"
)

func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(w, http.MethodGet, http.MethodHead)
	}
	id, ok := splitImageName(r.PathValue("name"))
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "no such artifact"}
	}
	if id == "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_id", Detail: "identifier required"}
	}
	obj, err := h.retriever.Open(r.Context(), id)
	if err != nil {
		return retrievalError(err)
	}
	defer obj.Body.Close()

	etag := `"` + obj.ID + `"`
	header := w.Header()
	header.Set("Cache-Control", immutableCacheControl)
	header.Set("ETag", etag)
	if !obj.ModTime.IsZero() {
		header.Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}
	if notModified(r, etag, obj.ModTime) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	header.Set("Content-Type", obj.Format.MIMEType())
	header.Set("X-Content-Type-Options", "nosniff")
	if obj.Format == sniff.SVG {
		header.Set("Content-Security-Policy", svgContentPolicy)
	}
	if obj.Size > 0 {
		header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if n, err := io.Copy(w, obj.Body); err != nil {
		// Headers are gone; the client sees a short body.
		loggingutil.FromContext(r.Context(), h.logger).Warn("http.serve.copy_failed",
			"id", obj.ID,
			"written", n,
			"error", err,
		)
	}
	return nil
}

// splitImageName strips a cosmetic extension. Unknown extensions do not name
// an artifact.
func splitImageName(name string) (string, bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return name, true
	}
	if _, ok := sniff.ParseExtension(strings.ToLower(name[dot+1:])); !ok {
		return "", false
	}
	return name[:dot], true
}

func retrievalError(err error) error {
	var unsupported *retrieve.UnsupportedContentError
	switch {
	case errors.Is(err, retrieve.ErrNotFound), errors.Is(err, retrieve.ErrInvalidID), errors.As(err, &unsupported):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", httpError{Status: http.StatusInternalServerError, Code: "storage_error", Detail: "failed to open artifact"}, err)
}

// notModified evaluates the conditional request headers. If-None-Match takes
// precedence; If-Modified-Since is compared at second precision.
func notModified(r *http.Request, etag string, modTime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
			if candidate == "*" || candidate == etag {
				return true
			}
		}
		return false
	}
	if modTime.IsZero() {
		return false
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !modTime.Truncate(time.Second).After(since)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) error {
	base := h.baseURL(r)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", version.Product())
	b.WriteString("Image drop service. Uploads are sniffed, optimized and served from an opaque id.\n\n")
	fmt.Fprintf(&b, "Upload:   curl -F %s=@image.png %s/upload\n", h.uploadField, base)
	fmt.Fprintf(&b, "Retrieve: %s/<id>[.png|.jpg|.gif|.svg]\n", base)
	b.WriteString("Formats:  png, jpeg, gif, svg\n")
	if h.csrfToken != nil {
		fmt.Fprintf(&b, "Uploads require the %s header or a %s field.\n", api.HeaderCSRFToken, api.FieldCSRFToken)
	}
	body := b.String()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.WriteString(w, body)
	}
	return nil
}
