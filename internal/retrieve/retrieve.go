// Package retrieve resolves identifiers to committed artifacts and derives
// their content type from the stored bytes.
package retrieve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/ident"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/sniff"
	"pkt.systems/imgd/internal/storage"
)

var (
	// ErrNotFound indicates no artifact is stored under the identifier.
	ErrNotFound = errors.New("retrieve: not found")
	// ErrInvalidID rejects identifiers that cannot name an artifact.
	ErrInvalidID = errors.New("retrieve: invalid id")
)

// UnsupportedContentError reports stored bytes that no longer sniff as a
// servable format.
type UnsupportedContentError struct {
	ID     string
	Format sniff.Format
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("retrieve: artifact %s holds unsupported content (%s)", e.ID, e.Format)
}

// Object is an open artifact. Callers must close Body.
type Object struct {
	ID      string
	Format  sniff.Format
	Size    int64
	ModTime time.Time
	Body    io.ReadCloser
}

// Service opens artifacts from a store.
type Service struct {
	store   storage.Store
	logger  pslog.Logger
	metrics *retrieveMetrics
}

// New returns a Service reading from store.
func New(store storage.Store, logger pslog.Logger) *Service {
	logger = loggingutil.WithSubsystem(logger, "retrieve.service")
	return &Service{
		store:   store,
		logger:  logger,
		metrics: newRetrieveMetrics(logger),
	}
}

// Open validates id, opens the artifact and sniffs its leading bytes. The
// returned body replays the sniffed prefix, so the store is read once.
func (s *Service) Open(ctx context.Context, id string) (obj *Object, err error) {
	start := time.Now()
	format := sniff.Unsupported
	defer func() {
		s.metrics.record(ctx, format, outcomeLabel(err), time.Since(start))
	}()
	if !ident.Valid(id) {
		return nil, ErrInvalidID
	}
	logger := loggingutil.FromContext(ctx, s.logger)
	rc, info, err := s.store.Open(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("retrieve: open %s: %w", id, err)
	}
	br := bufio.NewReaderSize(rc, sniff.PrefixSize)
	prefix, perr := br.Peek(sniff.PrefixSize)
	if perr != nil && !errors.Is(perr, io.EOF) {
		rc.Close()
		return nil, fmt.Errorf("retrieve: read %s: %w", id, perr)
	}
	format = sniff.Sniff(prefix)
	if !format.Supported() {
		rc.Close()
		logger.Error("retrieve.unsupported_content", "id", id, "format", format.String(), "size", info.Size)
		return nil, &UnsupportedContentError{ID: id, Format: format}
	}
	logger.Trace("retrieve.open.success", "id", id, "format", format.String(), "size", info.Size)
	return &Object{
		ID:      id,
		Format:  format,
		Size:    info.Size,
		ModTime: info.ModTime,
		Body:    bufferedBody{Reader: br, closer: rc},
	}, nil
}

type bufferedBody struct {
	*bufio.Reader
	closer io.Closer
}

func (b bufferedBody) Close() error { return b.closer.Close() }

func outcomeLabel(err error) string {
	var unsupported *UnsupportedContentError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &unsupported):
		return "unsupported_content"
	default:
		return "error"
	}
}
