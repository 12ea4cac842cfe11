// Package ingest turns a staged upload into a committed artifact: it sniffs
// the bytes, optimizes them, mints an identifier and commits the result
// atomically. Every terminal path removes the staging and scratch files.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/ident"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/optimize"
	"pkt.systems/imgd/internal/sniff"
	"pkt.systems/imgd/internal/storage"
)

const (
	// DefaultTimeout bounds a whole ingest run.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxIDAttempts bounds id regeneration after ErrExists.
	DefaultMaxIDAttempts = 3
)

// State names a pipeline stage. Transitions are logged at trace level.
type State string

const (
	StateReceived  State = "received"
	StateStaged    State = "staged"
	StateSniffed   State = "sniffed"
	StateValidated State = "validated"
	StateRejected  State = "rejected"
	StateOptimized State = "optimized"
	StateCommitted State = "committed"
)

// Optimizer is the dispatcher contract the pipeline depends on.
type Optimizer interface {
	Optimize(ctx context.Context, src string, format sniff.Format) (optimize.Result, error)
}

// Artifact is the outcome of a successful ingest.
type Artifact struct {
	ID         string
	Format     sniff.Format
	Size       int64
	InputBytes int64
	Optimized  bool
	// Fallback is non-nil when optimization failed and the original bytes
	// were committed.
	Fallback error
	ModTime  time.Time
}

// Config wires a Pipeline.
type Config struct {
	Store         storage.Store
	Optimizer     Optimizer
	Timeout       time.Duration
	MaxIDAttempts int
	// NewID mints identifiers; defaults to ident.Generate.
	NewID  func() string
	Logger pslog.Logger
}

// Pipeline runs ingests. It is safe for concurrent use.
type Pipeline struct {
	store       storage.Store
	optimizer   Optimizer
	timeout     time.Duration
	maxAttempts int
	newID       func() string
	logger      pslog.Logger
	metrics     *ingestMetrics
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store required")
	}
	if cfg.Optimizer == nil {
		return nil, errors.New("ingest: optimizer required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIDAttempts <= 0 {
		cfg.MaxIDAttempts = DefaultMaxIDAttempts
	}
	if cfg.NewID == nil {
		cfg.NewID = ident.Generate
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "ingest.pipeline")
	return &Pipeline{
		store:       cfg.Store,
		optimizer:   cfg.Optimizer,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxIDAttempts,
		newID:       cfg.NewID,
		logger:      logger,
		metrics:     newIngestMetrics(logger),
	}, nil
}

// Ingest consumes staging. The staging file is removed before Ingest
// returns, whatever the outcome.
func (p *Pipeline) Ingest(ctx context.Context, staging *StagingFile) (art Artifact, err error) {
	if staging == nil || staging.Path == "" {
		return Artifact{}, errors.New("ingest: staging file required")
	}
	start := time.Now()
	logger := loggingutil.FromContext(ctx, p.logger)
	state := StateStaged
	transition := func(next State, keyvals ...any) {
		logger.Trace("ingest.state", append([]any{"from", string(state), "to", string(next)}, keyvals...)...)
		state = next
	}
	defer func() {
		if rmErr := staging.Remove(); rmErr != nil {
			logger.Warn("ingest.staging.cleanup_failed", "path", staging.Path, "error", rmErr)
		}
		if err != nil && state != StateRejected {
			transition(StateRejected, "error", err)
		}
		p.metrics.record(ctx, art.Format, outcomeLabel(err), staging.Size, art.Size, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	format, err := sniffFile(staging.Path)
	if err != nil {
		return Artifact{}, fmt.Errorf("ingest: sniff: %w", err)
	}
	transition(StateSniffed, "format", format.String())
	if !format.Supported() {
		transition(StateRejected, "format", format.String())
		logger.Debug("ingest.rejected.unsupported_format", "format", format.String(), "size", staging.Size)
		return Artifact{Format: format}, &UnsupportedFormatError{Format: format}
	}
	transition(StateValidated)

	res, err := p.optimizer.Optimize(ctx, staging.Path, format)
	if err != nil {
		if errors.Is(err, optimize.ErrUnsupported) {
			return Artifact{Format: format}, &UnsupportedFormatError{Format: format}
		}
		return Artifact{Format: format}, fmt.Errorf("ingest: optimize: %w", err)
	}
	defer func() {
		if cerr := res.Cleanup(); cerr != nil {
			logger.Warn("ingest.scratch.cleanup_failed", "path", res.Path, "error", cerr)
		}
	}()
	if res.Fallback != nil {
		logger.Warn("ingest.optimize.fallback", "format", format.String(), "error", res.Fallback)
	}
	transition(StateOptimized, "optimized", res.Optimized, "input_bytes", res.InputBytes, "output_bytes", res.OutputBytes)

	art = Artifact{
		Format:     format,
		InputBytes: res.InputBytes,
		Optimized:  res.Optimized,
		Fallback:   res.Fallback,
	}
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		id := p.newID()
		info, cerr := p.store.Commit(ctx, id, res.Path)
		if cerr == nil {
			art.ID = id
			art.Size = info.Size
			art.ModTime = info.ModTime
			transition(StateCommitted, "id", id)
			logger.Info("ingest.commit.success",
				"id", id,
				"format", format.String(),
				"size", info.Size,
				"input_bytes", res.InputBytes,
				"optimized", res.Optimized,
				"elapsed", time.Since(start),
			)
			return art, nil
		}
		if errors.Is(cerr, storage.ErrExists) {
			logger.Warn("ingest.commit.id_collision", "id", id, "attempt", attempt)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return art, fmt.Errorf("ingest: commit: %w", ctxErr)
		}
		return art, &StorageError{Op: "commit", Err: cerr}
	}
	return art, &StorageError{Op: "commit", Err: fmt.Errorf("%w after %d attempts", storage.ErrExists, p.maxAttempts)}
}

func sniffFile(path string) (sniff.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return sniff.Unsupported, err
	}
	defer f.Close()
	format, _, err := sniff.SniffReader(f)
	return format, err
}

func outcomeLabel(err error) string {
	var unsupported *UnsupportedFormatError
	var storageErr *StorageError
	switch {
	case err == nil:
		return "committed"
	case errors.As(err, &unsupported):
		return "unsupported"
	case errors.Is(err, storage.ErrInsufficientStorage):
		return "insufficient_storage"
	case errors.As(err, &storageErr):
		return "storage_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
