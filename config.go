package imgd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"pkt.systems/imgd/internal/ident"
	"pkt.systems/imgd/internal/optimize"
	"pkt.systems/imgd/internal/respcache"
	"pkt.systems/imgd/internal/sniff"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":3131"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore is the artifact store used when none is configured.
	DefaultStore = "disk:///var/lib/imgd"
	// DefaultUploadField is the multipart field carrying the file.
	DefaultUploadField = "imagedata"
	// DefaultMaxUploadBytes bounds request bodies.
	DefaultMaxUploadBytes = 10 * 1000 * 1000
	// DefaultIngestTimeout bounds a whole ingest run.
	DefaultIngestTimeout = 60 * time.Second
	// DefaultOptimizeTimeout bounds the optimizer pipeline; a timeout falls
	// back to committing the original bytes.
	DefaultOptimizeTimeout = 30 * time.Second
	// DefaultJPEGQuality is the JPEG re-encode quality.
	DefaultJPEGQuality = optimize.DefaultJPEGQuality
	// DefaultPNGMaxColors bounds the quantized PNG palette.
	DefaultPNGMaxColors = optimize.DefaultPNGMaxColors
	// DefaultPNGQuantize enables lossy palette quantization for PNG uploads.
	DefaultPNGQuantize = true
	// DefaultCacheEntries sizes the response cache.
	DefaultCacheEntries = respcache.DefaultMaxEntries
	// DefaultCacheEntryMaxBytes is the largest response body the cache keeps.
	DefaultCacheEntryMaxBytes = respcache.DefaultMaxEntryBytes
	// DefaultCacheTTL matches the one year max-age served to clients.
	DefaultCacheTTL = respcache.DefaultTTL
	// DefaultDiskMinFreeBytes refuses disk commits below this much free space.
	DefaultDiskMinFreeBytes = 64 * 1000 * 1000
	// DefaultReadHeaderTimeout bounds request header reads.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultReadTimeout bounds reading a whole request, body included.
	DefaultReadTimeout = 2 * time.Minute
	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStagingMaxAge is the age after which orphaned staging and
	// scratch files are swept.
	DefaultStagingMaxAge = time.Hour
	// DefaultSweepInterval is how often the staging sweeper runs.
	DefaultSweepInterval = 10 * time.Minute
	// DefaultS3MaxPartSize tunes multipart uploads to S3-compatible stores.
	DefaultS3MaxPartSize = 16 * 1024 * 1024
	// DefaultMetricsListen is empty: metrics are off unless configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is empty: pprof is off unless configured.
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures every server setting. Zero values are replaced by the
// Default* constants in Validate.
type Config struct {
	// Listen is the server bind address (for example ":3131").
	Listen string
	// ListenProto selects the listener network ("tcp", "tcp4", "tcp6" or "unix").
	ListenProto string
	// Store is the artifact store DSN (disk://, mem://, s3://, aws://, azure://).
	Store string
	// StagingDir holds request-scoped staging files and optimizer scratch
	// output. Defaults to <os temp>/imgd-staging.
	StagingDir string

	// PublicURL, when set, is the base of every URL returned by uploads.
	PublicURL string
	// TrustProxyHeaders lets X-Forwarded-Proto/Host shape returned URLs.
	TrustProxyHeaders bool
	// UploadField names the multipart file field.
	UploadField string
	// AllowRawUpload accepts image/* and application/octet-stream bodies.
	AllowRawUpload bool
	// CSRFToken, when set, must accompany every upload.
	CSRFToken string
	// MaxUploadBytes bounds request bodies.
	MaxUploadBytes int64

	IngestTimeout              time.Duration
	OptimizeTimeout            time.Duration
	MaxConcurrentOptimizations int
	JPEGQuality                int
	PNGMaxColors               int
	PNGQuantize                bool
	// PNGQuantizeSet reports whether PNGQuantize was explicitly set.
	PNGQuantizeSet bool
	// Optimizer*Cmd are optional external optimizer commands appended to the
	// built-in passes, with {in} and {out} placeholders.
	OptimizerPNGCmd  string
	OptimizerJPEGCmd string
	OptimizerGIFCmd  string
	OptimizerSVGCmd  string

	// CacheEntries sizes the response cache; negative disables it.
	CacheEntries       int
	CacheEntryMaxBytes int64
	CacheTTL           time.Duration

	// DiskMinFreeBytes is the free space disk stores keep in reserve. Zero
	// means DefaultDiskMinFreeBytes unless DiskMinFreeSet is true, in which
	// case the free space guard is disabled.
	DiskMinFreeBytes uint64
	DiskMinFreeSet   bool
	// S3 and AWS object store settings.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3SSE             string
	S3KMSKeyID        string
	S3MaxPartSize     uint64
	AWSRegion         string
	// Azure Blob settings.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	StagingMaxAge     time.Duration
	SweepInterval     time.Duration

	// MetricsListen is the Prometheus scrape endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: parse store: %w", err)
	}
	if c.StagingDir == "" {
		c.StagingDir = filepath.Join(os.TempDir(), "imgd-staging")
	}
	c.StagingDir = filepath.Clean(c.StagingDir)

	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil {
			return fmt.Errorf("config: parse public url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: public url %q must be an absolute http(s) URL", c.PublicURL)
		}
	}
	if c.UploadField == "" {
		c.UploadField = DefaultUploadField
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("config: max upload must be positive")
	}

	if c.IngestTimeout <= 0 {
		c.IngestTimeout = DefaultIngestTimeout
	}
	if c.OptimizeTimeout <= 0 {
		c.OptimizeTimeout = DefaultOptimizeTimeout
	}
	if c.OptimizeTimeout > c.IngestTimeout {
		return fmt.Errorf("config: optimize timeout %s exceeds ingest timeout %s", c.OptimizeTimeout, c.IngestTimeout)
	}
	if c.MaxConcurrentOptimizations <= 0 {
		c.MaxConcurrentOptimizations = runtime.NumCPU()
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: jpeg quality %d out of range 1-100", c.JPEGQuality)
	}
	if c.PNGMaxColors == 0 {
		c.PNGMaxColors = DefaultPNGMaxColors
	}
	if c.PNGMaxColors < 2 || c.PNGMaxColors > 256 {
		return fmt.Errorf("config: png max colors %d out of range 2-256", c.PNGMaxColors)
	}
	if !c.PNGQuantizeSet {
		c.PNGQuantize = DefaultPNGQuantize
	}
	if _, err := c.OptimizerCommands(); err != nil {
		return err
	}

	if c.CacheEntries == 0 {
		c.CacheEntries = DefaultCacheEntries
	}
	if c.CacheEntryMaxBytes <= 0 {
		c.CacheEntryMaxBytes = DefaultCacheEntryMaxBytes
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.DiskMinFreeBytes == 0 && !c.DiskMinFreeSet {
		c.DiskMinFreeBytes = DefaultDiskMinFreeBytes
	}
	if c.S3MaxPartSize == 0 {
		c.S3MaxPartSize = DefaultS3MaxPartSize
	}

	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StagingMaxAge <= 0 {
		c.StagingMaxAge = DefaultStagingMaxAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StagingMaxAge <= c.IngestTimeout {
		return fmt.Errorf("config: staging max age %s must exceed ingest timeout %s", c.StagingMaxAge, c.IngestTimeout)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// OptimizerCommands parses the external optimizer commands per format.
func (c Config) OptimizerCommands() (map[sniff.Format][][]string, error) {
	external := make(map[sniff.Format][][]string)
	for format, raw := range map[sniff.Format]string{
		sniff.PNG:  c.OptimizerPNGCmd,
		sniff.JPEG: c.OptimizerJPEGCmd,
		sniff.GIF:  c.OptimizerGIFCmd,
		sniff.SVG:  c.OptimizerSVGCmd,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		argv := optimize.ParseCommand(raw)
		if _, err := optimize.ExternalPass(format.String()+"-external", argv); err != nil {
			return nil, fmt.Errorf("config: optimizer-%s-cmd: %w", format, err)
		}
		external[format] = append(external[format], argv)
	}
	return external, nil
}

// ScratchDir is where optimizer passes write their output. It lives beside
// the staging files so both are swept together.
func (c Config) ScratchDir() string {
	return filepath.Join(c.StagingDir, "scratch")
}

// IDLength reports the length of generated identifiers.
func (Config) IDLength() int { return ident.Length }

// DefaultConfigDir returns the default configuration directory ($HOME/.imgd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("IMGD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imgd"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
