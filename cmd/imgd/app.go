package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/imgd"
	"pkt.systems/imgd/internal/loggingutil"
)

const envPrefix = "IMGD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("IMGD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "imgd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged; subcommand failures are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if name, ok := strings.CutPrefix(arg, "--"); ok {
			if flag := root.Flags().Lookup(name); flag != nil {
				return flag
			}
			return root.PersistentFlags().Lookup(name)
		}
		short := strings.TrimPrefix(arg, "-")
		short = short[len(short)-1:]
		if flag := root.Flags().ShorthandLookup(short); flag != nil {
			return flag
		}
		return root.PersistentFlags().ShorthandLookup(short)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			return !isSubcommandToken(root, arg)
		}
		if strings.Contains(arg, "=") {
			continue
		}
		flag := lookup(arg)
		if flag == nil {
			for _, rest := range args[i+1:] {
				if isSubcommandToken(root, rest) {
					return false
				}
			}
			return true
		}
		if flag.NoOptDefVal == "" {
			i++
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		candidate, err := imgd.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "imgd",
		Short:         "imgd is a single-binary image drop service: upload, sniff, optimize and serve",
		SilenceErrors: true,
		Example: `
  # Local disk store, URLs built from the request Host
  imgd --store disk:///var/lib/imgd

  # Behind a reverse proxy with a fixed public base URL
  IMGD_PUBLIC_URL=https://i.example.com imgd --store disk:///srv/imgd

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  IMGD_STORE=s3://localhost:9000/images?insecure=1 IMGD_S3_ACCESS_KEY_ID=minioadmin IMGD_S3_SECRET_ACCESS_KEY=minioadmin imgd

  # AWS S3 through the SDK default credential chain
  IMGD_STORE=aws://my-bucket/shots IMGD_AWS_REGION=eu-north-1 imgd

  # Hand PNGs to an external optimizer after the built-in passes
  imgd --optimizer-png-cmd "oxipng -o 2 --out {out} {in}"

  # Upload
  curl -F imagedata=@shot.png http://localhost:3131/upload
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to imgd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig(v)
			if err != nil {
				return err
			}
			server, err := imgd.NewServer(cfg, imgd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Shutdown(context.Background())
			}()
			go func() {
				<-ctx.Done()
				if err := server.Shutdown(context.Background()); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.imgd/"+imgd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", imgd.DefaultListen, "listen address")
	flags.String("listen-proto", imgd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", imgd.DefaultStore, "artifact store URL (disk:///path, mem://, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("staging-dir", "", "directory for in-flight uploads and optimizer scratch files (default <tmp>/imgd-staging)")
	flags.String("public-url", "", "base URL returned to uploaders (default derived from the request)")
	flags.Bool("trust-proxy-headers", false, "honour X-Forwarded-Proto and X-Forwarded-Host when building URLs")
	flags.String("upload-field", imgd.DefaultUploadField, "multipart field carrying the image")
	flags.Bool("allow-raw-upload", false, "accept raw image/* and application/octet-stream request bodies")
	flags.String("csrf-token", "", "require this anti-forgery token (X-CSRF-Token header or _csrf field) on uploads")
	flags.String("max-upload", humanizeBytes(imgd.DefaultMaxUploadBytes), "maximum request body size")
	flags.Duration("ingest-timeout", imgd.DefaultIngestTimeout, "deadline for a whole ingest run")
	flags.Duration("optimize-timeout", imgd.DefaultOptimizeTimeout, "deadline for the optimizer; a timeout commits the original bytes")
	flags.Int("max-concurrent-optimizations", 0, "maximum concurrent optimizer runs (0 uses the CPU count)")
	flags.Int("jpeg-quality", imgd.DefaultJPEGQuality, "JPEG re-encode quality (1-100)")
	flags.Int("png-max-colors", imgd.DefaultPNGMaxColors, "palette size for PNG quantization (2-256)")
	flags.Bool("png-quantize", imgd.DefaultPNGQuantize, "quantize PNG uploads to a palette")
	flags.String("optimizer-png-cmd", "", "external PNG optimizer run after the built-in passes ({in} and {out} are substituted)")
	flags.String("optimizer-jpeg-cmd", "", "external JPEG optimizer ({in} and {out} are substituted)")
	flags.String("optimizer-gif-cmd", "", "external GIF optimizer ({in} and {out} are substituted)")
	flags.String("optimizer-svg-cmd", "", "external SVG optimizer ({in} and {out} are substituted)")
	flags.Int("cache-entries", imgd.DefaultCacheEntries, "response cache capacity in entries (negative disables)")
	flags.String("cache-entry-max", humanizeBytes(imgd.DefaultCacheEntryMaxBytes), "largest response body the cache keeps")
	flags.Duration("cache-ttl", imgd.DefaultCacheTTL, "response cache entry lifetime")
	flags.String("disk-min-free", humanizeBytes(imgd.DefaultDiskMinFreeBytes), "free space the disk store keeps in reserve (0 disables)")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or IMGD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores (or IMGD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for temporary s3:// credentials")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("s3-max-part-size", humanizeBytes(imgd.DefaultS3MaxPartSize), "maximum S3 multipart upload part size")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account name (overrides the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key (or IMGD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint (defaults to https://<account>.blob.core.windows.net)")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to an account key)")
	flags.Duration("read-header-timeout", imgd.DefaultReadHeaderTimeout, "deadline for reading request headers")
	flags.Duration("read-timeout", imgd.DefaultReadTimeout, "deadline for reading a whole request")
	flags.Duration("idle-timeout", imgd.DefaultIdleTimeout, "keep-alive idle connection timeout")
	flags.Duration("shutdown-timeout", imgd.DefaultShutdownTimeout, "graceful shutdown deadline")
	flags.Duration("staging-max-age", imgd.DefaultStagingMaxAge, "age after which orphaned staging files are swept")
	flags.Duration("sweep-interval", imgd.DefaultSweepInterval, "interval between staging sweeps")
	flags.String("metrics-listen", imgd.DefaultMetricsListen, "Prometheus scrape endpoint listen address (empty disables)")
	flags.String("pprof-listen", imgd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http://, https://)")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, set := range []*pflag.FlagSet{persistentFlags, flags} {
		set.VisitAll(func(flag *pflag.Flag) {
			if err := v.BindPFlag(flag.Name, flag); err != nil {
				panic(err)
			}
		})
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newSniffCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// bindConfig maps flags, environment and config file values onto an
// imgd.Config.
func bindConfig(v *viper.Viper) (imgd.Config, error) {
	cfg := imgd.Config{
		Listen:                     v.GetString("listen"),
		ListenProto:                v.GetString("listen-proto"),
		Store:                      v.GetString("store"),
		StagingDir:                 v.GetString("staging-dir"),
		PublicURL:                  v.GetString("public-url"),
		TrustProxyHeaders:          v.GetBool("trust-proxy-headers"),
		UploadField:                v.GetString("upload-field"),
		AllowRawUpload:             v.GetBool("allow-raw-upload"),
		CSRFToken:                  v.GetString("csrf-token"),
		IngestTimeout:              v.GetDuration("ingest-timeout"),
		OptimizeTimeout:            v.GetDuration("optimize-timeout"),
		MaxConcurrentOptimizations: v.GetInt("max-concurrent-optimizations"),
		JPEGQuality:                v.GetInt("jpeg-quality"),
		PNGMaxColors:               v.GetInt("png-max-colors"),
		PNGQuantize:                v.GetBool("png-quantize"),
		PNGQuantizeSet:             true,
		DiskMinFreeSet:             true,
		OptimizerPNGCmd:            v.GetString("optimizer-png-cmd"),
		OptimizerJPEGCmd:           v.GetString("optimizer-jpeg-cmd"),
		OptimizerGIFCmd:            v.GetString("optimizer-gif-cmd"),
		OptimizerSVGCmd:            v.GetString("optimizer-svg-cmd"),
		CacheEntries:               v.GetInt("cache-entries"),
		CacheTTL:                   v.GetDuration("cache-ttl"),
		S3AccessKeyID:              v.GetString("s3-access-key-id"),
		S3SecretAccessKey:          v.GetString("s3-secret-access-key"),
		S3SessionToken:             v.GetString("s3-session-token"),
		S3SSE:                      v.GetString("s3-sse"),
		S3KMSKeyID:                 v.GetString("s3-kms-key-id"),
		AWSRegion:                  strings.TrimSpace(v.GetString("aws-region")),
		AzureAccount:               strings.TrimSpace(v.GetString("azure-account")),
		AzureAccountKey:            v.GetString("azure-key"),
		AzureEndpoint:              v.GetString("azure-endpoint"),
		AzureSASToken:              v.GetString("azure-sas-token"),
		ReadHeaderTimeout:          v.GetDuration("read-header-timeout"),
		ReadTimeout:                v.GetDuration("read-timeout"),
		IdleTimeout:                v.GetDuration("idle-timeout"),
		ShutdownTimeout:            v.GetDuration("shutdown-timeout"),
		StagingMaxAge:              v.GetDuration("staging-max-age"),
		SweepInterval:              v.GetDuration("sweep-interval"),
		MetricsListen:              v.GetString("metrics-listen"),
		PprofListen:                v.GetString("pprof-listen"),
		EnableProfilingMetrics:     v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:               v.GetString("otlp-endpoint"),
	}
	sizes := []struct {
		key string
		set func(uint64)
	}{
		{"max-upload", func(n uint64) { cfg.MaxUploadBytes = int64(n) }},
		{"cache-entry-max", func(n uint64) { cfg.CacheEntryMaxBytes = int64(n) }},
		{"disk-min-free", func(n uint64) { cfg.DiskMinFreeBytes = n }},
		{"s3-max-part-size", func(n uint64) { cfg.S3MaxPartSize = n }},
	}
	for _, size := range sizes {
		raw := strings.TrimSpace(v.GetString(size.key))
		if raw == "" {
			continue
		}
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return imgd.Config{}, fmt.Errorf("parse %s: %w", size.key, err)
		}
		size.set(n)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
