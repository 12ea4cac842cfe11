package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/ident"
	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	PartSize       uint64
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Store backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.CustomCreds != nil {
		creds = cfg.CustomCreds
	} else {
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := loggingutil.FromContext(ctx, nil).With("storage_backend", "s3")
	return logger, logger
}

// Commit uploads srcPath under id. An existing object is detected with a
// stat first and, on servers that honour it, by If-None-Match: * on the put.
func (s *Store) Commit(ctx context.Context, id, srcPath string) (storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	if !ident.Valid(id) {
		return storage.ObjectInfo{}, storage.ErrInvalidID
	}
	object := s.objectKey(id)
	verbose.Trace("s3.commit.begin", "id", id, "object", object)
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err == nil {
		verbose.Debug("s3.commit.exists", "id", id, "object", object)
		return storage.ObjectInfo{}, storage.ErrExists
	} else if !isNotFound(err) {
		logger.Debug("s3.commit.stat_error", "id", id, "object", object, "error", err)
		return storage.ObjectInfo{}, s.wrapError(err, "s3: stat object")
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("s3: open source: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("s3: stat source: %w", err)
	}
	putOpts := minio.PutObjectOptions{
		ContentType: storage.ContentTypeOctetStream,
		PartSize:    s.cfg.PartSize,
	}
	putOpts.SetMatchETagExcept("*")
	s.applySSE(&putOpts)
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, f, fi.Size(), putOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			verbose.Debug("s3.commit.exists", "id", id, "object", object)
			return storage.ObjectInfo{}, storage.ErrExists
		}
		logger.Debug("s3.commit.put_error", "id", id, "object", object, "error", err)
		return storage.ObjectInfo{}, s.wrapError(err, "s3: put object")
	}
	result := storage.ObjectInfo{
		ID:      id,
		Size:    info.Size,
		ModTime: info.LastModified,
		ETag:    stripETag(info.ETag),
	}
	if result.ModTime.IsZero() {
		result.ModTime = time.Now().UTC()
	}
	verbose.Debug("s3.commit.success", "id", id, "object", object, "etag", result.ETag, "size", result.Size)
	return result, nil
}

// Open streams the object stored under id.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	if !ident.Valid(id) {
		return nil, storage.ObjectInfo{}, storage.ErrInvalidID
	}
	object := s.objectKey(id)
	verbose.Trace("s3.open.begin", "id", id, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.open.get_error", "id", id, "object", object, "error", err)
		return nil, storage.ObjectInfo{}, s.wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			verbose.Debug("s3.open.not_found", "id", id, "object", object)
			return nil, storage.ObjectInfo{}, storage.ErrNotFound
		}
		logger.Debug("s3.open.stat_error", "id", id, "object", object, "error", err)
		return nil, storage.ObjectInfo{}, s.wrapError(err, "s3: stat object")
	}
	info := storage.ObjectInfo{
		ID:      id,
		Size:    stat.Size,
		ModTime: stat.LastModified,
		ETag:    stripETag(stat.ETag),
	}
	verbose.Debug("s3.open.success", "id", id, "object", object, "etag", info.ETag, "size", info.Size)
	return &notFoundAwareObject{object: obj}, info, nil
}

func (s *Store) objectKey(id string) string {
	if s.cfg.Prefix == "" {
		return id
	}
	return path.Join(s.cfg.Prefix, id)
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error {
	if o.object == nil {
		return nil
	}
	return o.object.Close()
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH)
}
