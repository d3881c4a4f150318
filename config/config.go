package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/meigma/bundle"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/operation"
)

// Config is the bundle system configuration.
type Config struct {
	CacheDir         string
	StateFile        string
	VerifyLevel      bundle.VerifyLevel
	AlwaysRecheck    bool
	TimeSlice        time.Duration
	Workers          int
	Retries          int
	MinResumeBytes   int64
	ClearStatusCodes []int
	DownloadTimeout  time.Duration
	UserAgent        string
	Headers          map[string]string
	Packages         []Package
}

// Package describes one package to register.
type Package struct {
	Name            string   `yaml:"name"`
	Host            string   `yaml:"host"`
	Fallback        string   `yaml:"fallback"`
	LocationToLower bool     `yaml:"location_to_lower"`
	Tags            []string `yaml:"tags"`

	// Version pins the package version; empty means ask the host.
	Version string `yaml:"version"`
}

// Default returns a Config with the library defaults.
func Default() Config {
	return Config{
		VerifyLevel:      bundle.VerifySize,
		TimeSlice:        operation.DefaultTimeSlice,
		Workers:          download.DefaultWorkers,
		Retries:          download.DefaultRetries,
		MinResumeBytes:   download.DefaultMinResumeBytes,
		ClearStatusCodes: download.DefaultClearFileStatusCodes(),
		DownloadTimeout:  download.DefaultTimeout,
	}
}

// yamlConfig holds the raw file form; sizes, durations and levels are strings.
type yamlConfig struct {
	CacheDir         string            `yaml:"cache_dir"`
	StateFile        string            `yaml:"state_file"`
	VerifyLevel      string            `yaml:"verify_level"`
	AlwaysRecheck    bool              `yaml:"always_recheck"`
	TimeSlice        string            `yaml:"time_slice"`
	Workers          int               `yaml:"workers"`
	Retries          *int              `yaml:"retries"`
	MinResume        string            `yaml:"min_resume"`
	ClearStatusCodes []int             `yaml:"clear_status_codes"`
	DownloadTimeout  string            `yaml:"download_timeout"`
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	Packages         []Package         `yaml:"packages"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default. Unknown keys are an
// error.
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&yc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg.CacheDir = yc.CacheDir
	cfg.StateFile = yc.StateFile
	cfg.AlwaysRecheck = yc.AlwaysRecheck
	cfg.UserAgent = yc.UserAgent
	cfg.Headers = yc.Headers
	cfg.Packages = yc.Packages

	if yc.VerifyLevel != "" {
		level, err := bundle.ParseVerifyLevel(yc.VerifyLevel)
		if err != nil {
			return Config{}, fmt.Errorf("parse verify_level: %w", err)
		}
		cfg.VerifyLevel = level
	}
	if yc.TimeSlice != "" {
		d, err := time.ParseDuration(yc.TimeSlice)
		if err != nil {
			return Config{}, fmt.Errorf("parse time_slice: %w", err)
		}
		cfg.TimeSlice = d
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.Retries != nil {
		cfg.Retries = *yc.Retries
	}
	if yc.MinResume != "" {
		n, err := humanize.ParseBytes(yc.MinResume)
		if err != nil {
			return Config{}, fmt.Errorf("parse min_resume: %w", err)
		}
		cfg.MinResumeBytes = int64(n) //nolint:gosec // sizes beyond int64 are rejected by Validate
	}
	if yc.ClearStatusCodes != nil {
		cfg.ClearStatusCodes = yc.ClearStatusCodes
	}
	if yc.DownloadTimeout != "" {
		d, err := time.ParseDuration(yc.DownloadTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse download_timeout: %w", err)
		}
		cfg.DownloadTimeout = d
	}
	return cfg, nil
}

// LoadFromEnv overrides fields from BUNDLE_* environment variables.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("BUNDLE_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("BUNDLE_STATE_FILE"); v != "" {
		c.StateFile = v
	}
	if v := os.Getenv("BUNDLE_VERIFY_LEVEL"); v != "" {
		level, err := bundle.ParseVerifyLevel(v)
		if err != nil {
			return fmt.Errorf("parse BUNDLE_VERIFY_LEVEL: %w", err)
		}
		c.VerifyLevel = level
	}
	if v := os.Getenv("BUNDLE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BUNDLE_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("BUNDLE_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse BUNDLE_RETRIES: %w", err)
		}
		c.Retries = n
	}
	if v := os.Getenv("BUNDLE_MIN_RESUME"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse BUNDLE_MIN_RESUME: %w", err)
		}
		c.MinResumeBytes = int64(n) //nolint:gosec // checked by Validate
	}
	if v := os.Getenv("BUNDLE_DOWNLOAD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse BUNDLE_DOWNLOAD_TIMEOUT: %w", err)
		}
		c.DownloadTimeout = d
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if !c.VerifyLevel.Valid() {
		errs = append(errs, fmt.Errorf("config: invalid verify_level %v", c.VerifyLevel))
	}
	if c.TimeSlice <= 0 {
		errs = append(errs, errors.New("config: time_slice must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("config: workers must be positive"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("config: retries must not be negative"))
	}
	if c.MinResumeBytes < 0 {
		errs = append(errs, errors.New("config: min_resume out of range"))
	}
	if c.DownloadTimeout < 0 {
		errs = append(errs, errors.New("config: download_timeout must not be negative"))
	}
	for _, code := range c.ClearStatusCodes {
		if code < 400 || code > 599 {
			errs = append(errs, fmt.Errorf("config: clear_status_codes: %d is not an error status", code))
		}
	}
	seen := make(map[string]struct{}, len(c.Packages))
	for i, p := range c.Packages {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("config: packages[%d]: name is required", i))
			continue
		}
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("config: packages[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = struct{}{}
		if p.Host == "" && p.Fallback != "" {
			errs = append(errs, fmt.Errorf("config: package %q: fallback without host", p.Name))
		}
	}
	return errors.Join(errs...)
}

// Options converts the system-wide settings to bundle options.
func (c *Config) Options() []bundle.Option {
	opts := []bundle.Option{
		bundle.WithVerifyLevel(c.VerifyLevel),
		bundle.WithAlwaysRecheck(c.AlwaysRecheck),
		bundle.WithTimeSlice(c.TimeSlice),
		bundle.WithWorkers(c.Workers),
		bundle.WithRetries(c.Retries),
		bundle.WithMinResumeBytes(c.MinResumeBytes),
		bundle.WithClearFileStatusCodes(c.ClearStatusCodes...),
		bundle.WithDownloadTimeout(c.DownloadTimeout),
	}
	if c.CacheDir != "" {
		opts = append(opts, bundle.WithCacheDir(c.CacheDir))
	}
	if c.StateFile != "" {
		opts = append(opts, bundle.WithStateFile(c.StateFile))
	}
	if c.UserAgent != "" {
		opts = append(opts, bundle.WithUserAgent(c.UserAgent))
	}
	for k, v := range c.Headers {
		opts = append(opts, bundle.WithHeader(k, v))
	}
	return opts
}

// Options converts the package settings to bundle package options.
func (p Package) Options() []bundle.PackageOption {
	var opts []bundle.PackageOption
	if p.Host != "" {
		opts = append(opts, bundle.WithHostServer(p.Host))
	}
	if p.Fallback != "" {
		opts = append(opts, bundle.WithFallbackHostServer(p.Fallback))
	}
	if p.LocationToLower {
		opts = append(opts, bundle.WithLocationToLower(true))
	}
	return opts
}
