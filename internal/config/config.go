// Package config loads and validates the optional .xmlgate YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the working directory.
const FileName = ".xmlgate"

// Environment overrides for the processor paths. Relative values are
// resolved against the working directory.
const (
	EnvProcessor       = "XMLGATE_PROCESSOR"
	EnvImportProcessor = "XMLGATE_IMPORT_PROCESSOR"
)

// Default values.
const (
	DefaultTimeout      = 2 * time.Minute
	DefaultMaxOutput    = 1 << 20  // 1 MB of stderr/stdout per stream
	DefaultMaxArtifact  = 64 << 20 // 64 MB
	DefaultMaxPayload   = 32 << 20 // 32 MB
	DefaultAddr         = "127.0.0.1:5000"
	DefaultBundleDir    = "build"
	DefaultRunsCapacity = 64
)

// Asset strategies for the front page.
const (
	AssetsTemplate = "template"
	AssetsBundle   = "bundle"
)

// Config holds the parsed .xmlgate configuration.
// All fields except Processor are optional; zero values represent defaults.
type Config struct {
	Processor      string   `yaml:"processor"`        // path to the external processor executable
	ProcessorArgs  []string `yaml:"processor_args"`   // placed before the input/output paths
	Import         string   `yaml:"import_processor"` // optional BIN to XML executable
	ImportArgs     []string `yaml:"import_args"`
	RawTimeout     string   `yaml:"timeout"`        // e.g. "2m", "30s"
	RawMaxOutput   int      `yaml:"max_output"`     // bytes
	RawMaxArtifact *int64   `yaml:"max_artifact"`   // bytes; 0 disables the limit
	RawMaxPayload  int64    `yaml:"max_payload"`    // bytes
	MaxConcurrent  int      `yaml:"max_concurrent"` // 0 = unlimited
	StagingDir     string   `yaml:"staging_dir"`    // default: os.TempDir()
	Addr           string   `yaml:"addr"`
	Assets         string   `yaml:"assets"` // "template" or "bundle"
	BundleDir      string   `yaml:"bundle_dir"`
	OpenBrowser    bool     `yaml:"open_browser"`
	LogLevel       string   `yaml:"log_level"` // debug, info, warn, error
	RawRunsCap     int      `yaml:"runs_capacity"`
}

// Timeout returns the configured processor timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxOutputBytes returns the configured per-stream capture cap or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// MaxArtifactBytes returns the artifact size limit. Zero means unlimited.
func (c *Config) MaxArtifactBytes() int64 {
	if c.RawMaxArtifact != nil && *c.RawMaxArtifact >= 0 {
		return *c.RawMaxArtifact
	}
	return DefaultMaxArtifact
}

// MaxPayloadBytes returns the request body limit or the default.
func (c *Config) MaxPayloadBytes() int64 {
	if c.RawMaxPayload > 0 {
		return c.RawMaxPayload
	}
	return DefaultMaxPayload
}

// ListenAddr returns the configured listen address or the default.
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return DefaultAddr
}

// AssetMode returns the configured asset strategy, falling back to template.
func (c *Config) AssetMode() string {
	if c.Assets != "" {
		return c.Assets
	}
	return AssetsTemplate
}

// BundlePath returns the bundle directory, falling back to "build".
func (c *Config) BundlePath() string {
	if c.BundleDir != "" {
		return c.BundleDir
	}
	return DefaultBundleDir
}

// StagingRoot returns the directory under which staging leases are created.
func (c *Config) StagingRoot() string {
	if c.StagingDir != "" {
		return c.StagingDir
	}
	return os.TempDir()
}

// RunsCapacity returns how many run summaries are kept in memory.
func (c *Config) RunsCapacity() int {
	if c.RawRunsCap > 0 {
		return c.RawRunsCap
	}
	return DefaultRunsCapacity
}

// ErrNoProcessor is returned by Validate when no processor is configured.
var ErrNoProcessor = errors.New("no processor configured (set processor in " + FileName + " or " + EnvProcessor + ")")

// Validate checks the fields that must hold before serving. The processor
// must be an existing, executable regular file.
func (c *Config) Validate() error {
	if c.Processor == "" {
		return ErrNoProcessor
	}
	if err := checkExecutable("processor", c.Processor); err != nil {
		return err
	}
	if c.Import != "" {
		if err := checkExecutable("import_processor", c.Import); err != nil {
			return err
		}
	}
	switch c.AssetMode() {
	case AssetsTemplate, AssetsBundle:
	default:
		return fmt.Errorf("unknown assets strategy %q (want %q or %q)", c.Assets, AssetsTemplate, AssetsBundle)
	}
	if c.RawTimeout != "" {
		if d, err := time.ParseDuration(c.RawTimeout); err != nil || d <= 0 {
			return fmt.Errorf("invalid timeout %q", c.RawTimeout)
		}
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative, got %d", c.MaxConcurrent)
	}
	return nil
}

func checkExecutable(field, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", field, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s %s is not a regular file", field, path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s %s is not executable", field, path)
	}
	return nil
}

// LoadResult holds the parsed config and where it came from.
type LoadResult struct {
	Config *Config
	Path   string // file that was read; empty if defaults were used
}

// Load reads the config file at path. When path is empty, .xmlgate in dir
// is used if it exists; otherwise a default Config is returned. Relative
// paths from the file are resolved against the file's directory; relative
// paths from the environment against dir.
func Load(dir, path string) (*LoadResult, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, FileName)
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		path = ""
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	base := dir
	if path != "" {
		base = filepath.Dir(path)
	}
	cfg.Processor = resolve(base, cfg.Processor)
	cfg.Import = resolve(base, cfg.Import)
	cfg.BundleDir = resolve(base, cfg.BundleDir)

	if env := os.Getenv(EnvProcessor); env != "" {
		cfg.Processor = resolve(dir, env)
	}
	if env := os.Getenv(EnvImportProcessor); env != "" {
		cfg.Import = resolve(dir, env)
	}

	return &LoadResult{Config: cfg, Path: path}, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
