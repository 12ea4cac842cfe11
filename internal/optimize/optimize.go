// Package optimize turns a sniffed image into a smaller equivalent by running
// a per-format pipeline of passes. Optimization is best effort: when any pass
// fails the dispatcher reports a fallback to the original file instead of an
// error.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/imgd/internal/loggingutil"
	"pkt.systems/imgd/internal/sniff"
)

const (
	// DefaultJPEGQuality is the re-encode quality used for JPEG uploads.
	DefaultJPEGQuality = 82
	// DefaultPNGMaxColors caps the palette produced by PNG quantization.
	DefaultPNGMaxColors = 256
	// DefaultTimeout bounds a full optimization pipeline.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxPixels rejects images whose decoded size would exceed this
	// many pixels before any in-process codec allocates them.
	DefaultMaxPixels = 64 << 20
)

// ErrUnsupported is returned for formats that have no optimization profile.
// The caller must reject the upload rather than store it unoptimized.
var ErrUnsupported = errors.New("optimize: unsupported format")

// Config controls the dispatcher.
type Config struct {
	// ScratchDir receives intermediate pass outputs. It must be on the same
	// filesystem as the staging area for cheap promotion.
	ScratchDir string
	// JPEGQuality is the lossy re-encode quality (1-100).
	JPEGQuality int
	// PNGQuantize enables median-cut palette quantization for PNG.
	PNGQuantize bool
	// PNGMaxColors bounds the quantized palette (2-256).
	PNGMaxColors int
	// MaxPixels bounds width*height for in-process codecs.
	MaxPixels int
	// External holds optional argv templates per format. Each template is
	// appended to the built-in passes; {in} and {out} are substituted.
	External map[sniff.Format][][]string
	// Timeout bounds a whole pipeline run.
	Timeout time.Duration
	// MaxConcurrent bounds simultaneous pipeline runs.
	MaxConcurrent int
	Logger        pslog.Logger
}

// Profile is the ordered pass list applied to one format.
type Profile struct {
	Format sniff.Format
	Passes []Pass
}

// Result describes the outcome of an optimization run.
type Result struct {
	// Path is the file to commit: either a scratch file owned by the result
	// or the original source path.
	Path   string
	Format sniff.Format
	// Optimized is true when Path holds pipeline output that is smaller than
	// the input.
	Optimized bool
	// Fallback records why the original was kept after a pass failed. It is
	// nil when the pipeline succeeded, including when the output was not
	// smaller.
	Fallback    error
	InputBytes  int64
	OutputBytes int64
	Passes      []string
	Elapsed     time.Duration

	scratch string
}

// Cleanup removes the scratch file backing the result, if any.
func (r Result) Cleanup() error {
	if r.scratch == "" {
		return nil
	}
	if err := os.Remove(r.scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithProfile replaces the pass list for format.
func WithProfile(format sniff.Format, passes ...Pass) Option {
	return func(d *Dispatcher) {
		d.profiles[format] = Profile{Format: format, Passes: passes}
	}
}

// Dispatcher routes sniffed formats to their profiles.
type Dispatcher struct {
	cfg      Config
	profiles map[sniff.Format]Profile
	sem      chan struct{}
	logger   pslog.Logger
	metrics  *optimizerMetrics
}

// New builds a dispatcher with the default profile for every supported format.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("optimize: jpeg quality %d out of range 1-100", cfg.JPEGQuality)
	}
	if cfg.PNGMaxColors == 0 {
		cfg.PNGMaxColors = DefaultPNGMaxColors
	}
	if cfg.PNGMaxColors < 2 || cfg.PNGMaxColors > 256 {
		return nil, fmt.Errorf("optimize: png max colors %d out of range 2-256", cfg.PNGMaxColors)
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("optimize: prepare scratch dir: %w", err)
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "optimize.dispatcher")
	d := &Dispatcher{
		cfg:      cfg,
		profiles: make(map[sniff.Format]Profile),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		logger:   logger,
		metrics:  newOptimizerMetrics(logger),
	}
	for _, format := range sniff.SupportedFormats() {
		profile, err := defaultProfile(format, cfg)
		if err != nil {
			return nil, err
		}
		d.profiles[format] = profile
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func defaultProfile(format sniff.Format, cfg Config) (Profile, error) {
	var passes []Pass
	switch format {
	case sniff.PNG:
		if cfg.PNGQuantize {
			passes = append(passes, QuantizePass(cfg.PNGMaxColors, cfg.MaxPixels))
		}
		passes = append(passes, DeflatePass(cfg.MaxPixels))
	case sniff.JPEG:
		passes = append(passes, ReencodeJPEGPass(cfg.JPEGQuality, cfg.MaxPixels))
	case sniff.GIF:
		passes = append(passes, GIFFramesPass(cfg.MaxPixels))
	case sniff.SVG:
		passes = append(passes, MinifySVGPass())
	default:
		return Profile{}, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	for i, argv := range cfg.External[format] {
		pass, err := ExternalPass(fmt.Sprintf("%s-external-%d", format, i), argv)
		if err != nil {
			return Profile{}, err
		}
		passes = append(passes, pass)
	}
	return Profile{Format: format, Passes: passes}, nil
}

// Profile returns the pass list configured for format.
func (d *Dispatcher) Profile(format sniff.Format) (Profile, bool) {
	p, ok := d.profiles[format]
	return p, ok
}

// Optimize runs the profile for format against src. src is never modified.
//
// An error is returned only for unsupported formats or when ctx itself ends;
// pass failures and the pipeline timeout produce a fallback Result pointing
// at src.
func (d *Dispatcher) Optimize(ctx context.Context, src string, format sniff.Format) (Result, error) {
	logger := loggingutil.FromContext(ctx, d.logger).With("format", format.String())
	profile, ok := d.profiles[format]
	if !ok || !format.Supported() {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, format)
	}
	info, err := os.Stat(src)
	if err != nil {
		return Result{}, fmt.Errorf("optimize: stat source: %w", err)
	}
	res := Result{Path: src, Format: format, InputBytes: info.Size(), OutputBytes: info.Size()}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	current := src
	for _, pass := range profile.Passes {
		out, err := d.reserveScratch(pass.Name())
		if err != nil {
			d.discard(src, current)
			return d.fallback(ctx, logger, res, start, pass.Name(), err)
		}
		err = pass.Run(runCtx, current, out)
		if err == nil {
			err = verifyOutput(out, format)
		}
		if err != nil {
			removeQuiet(out)
			d.discard(src, current)
			if runCtx.Err() != nil && ctx.Err() == nil {
				err = fmt.Errorf("timeout after %s: %w", d.cfg.Timeout, err)
			}
			return d.fallback(ctx, logger, res, start, pass.Name(), err)
		}
		d.discard(src, current)
		current = out
		res.Passes = append(res.Passes, pass.Name())
		logger.Trace("optimize.pass.complete", "pass", pass.Name())
	}
	res.Elapsed = time.Since(start)
	if current == src {
		d.metrics.record(ctx, format, "unchanged", res.InputBytes, res.InputBytes, res.Elapsed)
		return res, nil
	}
	outInfo, err := os.Stat(current)
	if err != nil {
		removeQuiet(current)
		return d.fallback(ctx, logger, res, start, "stat", err)
	}
	if outInfo.Size() >= res.InputBytes {
		removeQuiet(current)
		logger.Debug("optimize.result.not_smaller", "input_bytes", res.InputBytes, "output_bytes", outInfo.Size())
		d.metrics.record(ctx, format, "unchanged", res.InputBytes, res.InputBytes, res.Elapsed)
		return res, nil
	}
	res.Path = current
	res.scratch = current
	res.Optimized = true
	res.OutputBytes = outInfo.Size()
	logger.Debug("optimize.result.optimized",
		"input_bytes", res.InputBytes,
		"output_bytes", res.OutputBytes,
		"passes", res.Passes,
		"elapsed", res.Elapsed,
	)
	d.metrics.record(ctx, format, "optimized", res.InputBytes, res.OutputBytes, res.Elapsed)
	return res, nil
}

func (d *Dispatcher) fallback(ctx context.Context, logger pslog.Logger, res Result, start time.Time, pass string, cause error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res.Optimized = false
	res.OutputBytes = res.InputBytes
	res.Fallback = fmt.Errorf("pass %s: %w", pass, cause)
	res.Elapsed = time.Since(start)
	logger.Warn("optimize.pass.failed", "pass", pass, "error", cause, "fallback", "original")
	d.metrics.record(ctx, res.Format, "fallback", res.InputBytes, res.InputBytes, res.Elapsed)
	return res, nil
}

func (d *Dispatcher) reserveScratch(pass string) (string, error) {
	f, err := os.CreateTemp(d.cfg.ScratchDir, pass+"-*")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		removeQuiet(name)
		return "", err
	}
	return name, nil
}

// discard removes an intermediate output once it has been consumed.
func (d *Dispatcher) discard(src, path string) {
	if path != src {
		removeQuiet(path)
	}
}

func verifyOutput(path string, want sniff.Format) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	got, prefix, err := sniff.SniffReader(f)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	if len(prefix) == 0 {
		return errors.New("empty output")
	}
	if got != want {
		return fmt.Errorf("output sniffs as %s, want %s", got, want)
	}
	return nil
}

func removeQuiet(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
