package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/correlation"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/storage"
)

type store struct {
	inner   storage.Store
	logger  pslog.Logger
	tracer  trace.Tracer
	sys     string
	metrics *storeMetrics
}

// Wrap decorates inner with tracing spans, debug logging and metrics.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	logger = loggingutil.Ensure(logger)
	return &store{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/imgd/storage"),
		sys:     sys,
		metrics: newStoreMetrics(logger, sys),
	}
}

func (s *store) start(ctx context.Context, op, id string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "imgd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("imgd.storage.operation", op),
		attribute.String("imgd.storage.id", id),
		attribute.String("imgd.sys", s.sys),
	)
	logger, ok := loggingutil.Lookup(ctx)
	if !ok {
		logger = s.logger
		if corr := correlation.ID(ctx); corr != "" {
			logger = logger.With("cid", corr)
		}
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("imgd.correlation_id", corr))
	}
	ctx = loggingutil.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		result := resultLabel(err)
		if err != nil && result == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("imgd.storage.result", result))
		s.metrics.record(ctx, op, result, elapsed)
	}
}

func (s *store) Commit(ctx context.Context, id, srcPath string) (storage.ObjectInfo, error) {
	ctx, span, logger, finish := s.start(ctx, "commit", id)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.commit.begin", "id", id)
	info, err := s.inner.Commit(ctx, id, srcPath)
	finish(err)
	if err != nil {
		logger.Debug("storage.commit.error", "id", id, "error", err, "transient", storage.IsTransient(err), "elapsed", time.Since(begin))
		return info, err
	}
	span.SetAttributes(attribute.Int64("imgd.storage.size", info.Size))
	logger.Debug("storage.commit.success", "id", id, "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (s *store) Open(ctx context.Context, id string) (io.ReadCloser, storage.ObjectInfo, error) {
	ctx, span, logger, finish := s.start(ctx, "open", id)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.open.begin", "id", id)
	rc, info, err := s.inner.Open(ctx, id)
	finish(err)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Trace("storage.open.not_found", "id", id)
		} else {
			logger.Debug("storage.open.error", "id", id, "error", err, "elapsed", time.Since(begin))
		}
		return nil, info, err
	}
	span.SetAttributes(attribute.Int64("imgd.storage.size", info.Size))
	logger.Trace("storage.open.success", "id", id, "size", info.Size, "elapsed", time.Since(begin))
	return rc, info, nil
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("storage.close.error", "error", err)
	}
	return err
}

// Unwrap returns the decorated store.
func (s *store) Unwrap() storage.Store { return s.inner }

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrExists):
		return "exists"
	case errors.Is(err, storage.ErrInsufficientStorage):
		return "insufficient_storage"
	case errors.Is(err, storage.ErrInvalidID):
		return "invalid_id"
	default:
		return "error"
	}
}
