package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/imgd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage imgd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.imgd/" + imgd.DefaultConfigFileName
	if dir, err := imgd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, imgd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default imgd configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := imgd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file without translation.
type configDefaults struct {
	Listen                     string `yaml:"listen"`
	ListenProto                string `yaml:"listen-proto"`
	Store                      string `yaml:"store"`
	StagingDir                 string `yaml:"staging-dir"`
	PublicURL                  string `yaml:"public-url"`
	TrustProxyHeaders          bool   `yaml:"trust-proxy-headers"`
	UploadField                string `yaml:"upload-field"`
	AllowRawUpload             bool   `yaml:"allow-raw-upload"`
	CSRFToken                  string `yaml:"csrf-token"`
	MaxUpload                  string `yaml:"max-upload"`
	IngestTimeout              string `yaml:"ingest-timeout"`
	OptimizeTimeout            string `yaml:"optimize-timeout"`
	MaxConcurrentOptimizations int    `yaml:"max-concurrent-optimizations"`
	JPEGQuality                int    `yaml:"jpeg-quality"`
	PNGMaxColors               int    `yaml:"png-max-colors"`
	PNGQuantize                bool   `yaml:"png-quantize"`
	OptimizerPNGCmd            string `yaml:"optimizer-png-cmd"`
	OptimizerJPEGCmd           string `yaml:"optimizer-jpeg-cmd"`
	OptimizerGIFCmd            string `yaml:"optimizer-gif-cmd"`
	OptimizerSVGCmd            string `yaml:"optimizer-svg-cmd"`
	CacheEntries               int    `yaml:"cache-entries"`
	CacheEntryMax              string `yaml:"cache-entry-max"`
	CacheTTL                   string `yaml:"cache-ttl"`
	DiskMinFree                string `yaml:"disk-min-free"`
	S3SSE                      string `yaml:"s3-sse"`
	S3KMSKeyID                 string `yaml:"s3-kms-key-id"`
	S3MaxPartSize              string `yaml:"s3-max-part-size"`
	AWSRegion                  string `yaml:"aws-region"`
	AzureAccount               string `yaml:"azure-account"`
	AzureEndpoint              string `yaml:"azure-endpoint"`
	ReadHeaderTimeout          string `yaml:"read-header-timeout"`
	ReadTimeout                string `yaml:"read-timeout"`
	IdleTimeout                string `yaml:"idle-timeout"`
	ShutdownTimeout            string `yaml:"shutdown-timeout"`
	StagingMaxAge              string `yaml:"staging-max-age"`
	SweepInterval              string `yaml:"sweep-interval"`
	MetricsListen              string `yaml:"metrics-listen"`
	PprofListen                string `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint               string `yaml:"otlp-endpoint"`
	LogLevel                   string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:            imgd.DefaultListen,
		ListenProto:       imgd.DefaultListenProto,
		Store:             imgd.DefaultStore,
		UploadField:       imgd.DefaultUploadField,
		MaxUpload:         humanizeBytes(imgd.DefaultMaxUploadBytes),
		IngestTimeout:     imgd.DefaultIngestTimeout.String(),
		OptimizeTimeout:   imgd.DefaultOptimizeTimeout.String(),
		JPEGQuality:       imgd.DefaultJPEGQuality,
		PNGMaxColors:      imgd.DefaultPNGMaxColors,
		PNGQuantize:       imgd.DefaultPNGQuantize,
		CacheEntries:      imgd.DefaultCacheEntries,
		CacheEntryMax:     humanizeBytes(imgd.DefaultCacheEntryMaxBytes),
		CacheTTL:          imgd.DefaultCacheTTL.String(),
		DiskMinFree:       humanizeBytes(imgd.DefaultDiskMinFreeBytes),
		S3MaxPartSize:     humanizeBytes(imgd.DefaultS3MaxPartSize),
		ReadHeaderTimeout: imgd.DefaultReadHeaderTimeout.String(),
		ReadTimeout:       imgd.DefaultReadTimeout.String(),
		IdleTimeout:       imgd.DefaultIdleTimeout.String(),
		ShutdownTimeout:   imgd.DefaultShutdownTimeout.String(),
		StagingMaxAge:     imgd.DefaultStagingMaxAge.String(),
		SweepInterval:     imgd.DefaultSweepInterval.String(),
		MetricsListen:     imgd.DefaultMetricsListen,
		PprofListen:       imgd.DefaultPprofListen,
		LogLevel:          "info",
	}
	for _, override := range overrides {
		if override != nil {
			override(&defaults)
		}
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
