package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/imgd"
	"pkt.systems/imgd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		args []string
		want bool
	}{
		{nil, true},
		{[]string{"--store", "mem://"}, true},
		{[]string{"--store=mem://", "--allow-raw-upload"}, true},
		{[]string{"-c", "/etc/imgd.yaml"}, true},
		{[]string{"version"}, false},
		{[]string{"--log-level", "debug", "config", "gen"}, false},
		{[]string{"--allow-raw-upload", "sniff", "a.png"}, false},
		{[]string{"--no-such-flag", "version"}, false},
		{[]string{"--no-such-flag"}, true},
		{[]string{"--", "version"}, true},
	}
	for _, tc := range cases {
		if got := invocationTargetsRootCommand(root, tc.args); got != tc.want {
			t.Fatalf("%v: got %v, want %v", tc.args, got, tc.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	if want := version.Module() + " " + version.Current() + "\n"; stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	stdout, _, err = executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected short version %q", stdout)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated yaml does not parse: %v", err)
	}
	if got["listen"] != imgd.DefaultListen || got["store"] != imgd.DefaultStore {
		t.Fatalf("unexpected defaults: %v", got)
	}
	if got["max-upload"] != "10MB" {
		t.Fatalf("expected humanized max-upload, got %v", got["max-upload"])
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected --stdout and --out to conflict")
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected mode %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestGeneratedConfigRoundTripsThroughBindConfig(t *testing.T) {
	data, err := defaultConfigYAML(func(d *configDefaults) {
		d.Store = "mem://"
		d.PNGQuantize = false
		d.CacheEntryMax = "2MiB"
	})
	if err != nil {
		t.Fatalf("default yaml: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := viper.New()
	v.Set("config", path)
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Store != "mem://" || cfg.PNGQuantize || !cfg.PNGQuantizeSet {
		t.Fatalf("unexpected bound config %+v", cfg)
	}
	if cfg.CacheEntryMaxBytes != 2<<20 || cfg.MaxUploadBytes != imgd.DefaultMaxUploadBytes {
		t.Fatalf("unexpected sizes %d %d", cfg.CacheEntryMaxBytes, cfg.MaxUploadBytes)
	}
	if cfg.IngestTimeout != imgd.DefaultIngestTimeout || cfg.StagingMaxAge != time.Hour {
		t.Fatalf("unexpected durations %s %s", cfg.IngestTimeout, cfg.StagingMaxAge)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config must validate: %v", err)
	}
}

func TestBindConfigRejectsBadSize(t *testing.T) {
	v := viper.New()
	v.Set("max-upload", "a lot")
	if _, err := bindConfig(v); err == nil || !strings.Contains(err.Error(), "max-upload") {
		t.Fatalf("expected size parse error, got %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("IMGD_CONFIG_DIR", t.TempDir())
	v := viper.New()
	path, err := loadConfigFile(v)
	if err != nil || path != "" {
		t.Fatalf("missing default config must be ignored, got %q %v", path, err)
	}
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := loadConfigFile(v); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
	v.Set("config", t.TempDir())
	if _, err := loadConfigFile(v); err == nil {
		t.Fatal("expected error for directory config path")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := expandPath("~/imgd/config.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "imgd", "config.yaml") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("empty path must stay empty, got %q", got)
	}
}

func TestSniffCommand(t *testing.T) {
	dir := t.TempDir()
	pngPath := filepath.Join(dir, "shot.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(pngPath, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write png: %v", err)
	}
	bmpPath := filepath.Join(dir, "old.bmp")
	if err := os.WriteFile(bmpPath, append([]byte("BM"), make([]byte, 64)...), 0o600); err != nil {
		t.Fatalf("write bmp: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "sniff", pngPath, bmpPath)
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got %q", stdout)
	}
	if !strings.Contains(lines[1], "image/png") || !strings.HasSuffix(lines[1], "true") {
		t.Fatalf("unexpected png row %q", lines[1])
	}
	if !strings.Contains(lines[2], "bmp") || !strings.HasSuffix(lines[2], "false") {
		t.Fatalf("unexpected bmp row %q", lines[2])
	}
	if _, _, err := executeRootCommand(t, "sniff", "--strict", pngPath, bmpPath); err == nil {
		t.Fatal("expected --strict to fail on unsupported input")
	}
	if _, _, err := executeRootCommand(t, "sniff", filepath.Join(dir, "missing.png")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
