// bundlesync brings a local bundle cache up to date with one or more
// remote packages.
//
// For each package it asks the host for the current version (unless pinned),
// activates that version's manifest, and downloads the requested bundles. With
// --clear it then deletes cache files no package references; --clear-all
// empties the cache before anything is downloaded.
//
// Usage:
//
//	bundlesync --config bundle.yaml
//	bundlesync -p game --host https://cdn.example.com/game --tags base,ui --clear
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/bundle"
	"github.com/meigma/bundle/config"
)

type flags struct {
	configPath string
	cacheDir   string
	stateFile  string
	verify     string
	workers    int

	pkg      string
	host     string
	fallback string
	version  string
	tags     []string
	assets   []string

	timeout  time.Duration
	offline  bool
	check    bool
	clear    bool
	clearAll bool
	verbose  bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("bundlesync", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "bundle cache directory (default: user cache dir)")
	fs.StringVar(&f.stateFile, "state-file", "", "persist active manifests to this file")
	fs.StringVar(&f.verify, "verify-level", "", "cache verification level: existence, size, checksum, hash")
	fs.IntVar(&f.workers, "workers", 0, "simultaneous transfers")
	fs.StringVarP(&f.pkg, "package", "p", "", "package name (adds to packages from --config)")
	fs.StringVar(&f.host, "host", "", "package host URL")
	fs.StringVar(&f.fallback, "fallback", "", "package fallback host URL")
	fs.StringVar(&f.version, "version", "", "pin the package version instead of asking the host")
	fs.StringSliceVar(&f.tags, "tags", nil, "download bundles with these tags (plus untagged bundles)")
	fs.StringSliceVar(&f.assets, "assets", nil, "download only the bundles these asset locations need")
	fs.DurationVar(&f.timeout, "request-timeout", 30*time.Second, "timeout for version and manifest requests")
	fs.BoolVar(&f.offline, "offline", false, "use the persisted manifests, no network requests for them")
	fs.BoolVar(&f.check, "check", false, "verify cached bundles after downloading")
	fs.BoolVar(&f.clear, "clear", false, "delete cache files no package references")
	fs.BoolVar(&f.clearAll, "clear-all", false, "delete every cached bundle before syncing")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bundlesync [flags]\n\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if fs.NArg() > 0 {
		return flags{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return f, nil
}

func loadConfig(f flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	if f.cacheDir != "" {
		cfg.CacheDir = f.cacheDir
	}
	if f.stateFile != "" {
		cfg.StateFile = f.stateFile
	}
	if f.verify != "" {
		level, err := bundle.ParseVerifyLevel(f.verify)
		if err != nil {
			return config.Config{}, err
		}
		cfg.VerifyLevel = level
	}
	if f.workers != 0 {
		cfg.Workers = f.workers
	}
	if f.pkg != "" {
		cfg.Packages = append(cfg.Packages, config.Package{
			Name:     f.pkg,
			Host:     f.host,
			Fallback: f.fallback,
			Version:  f.version,
			Tags:     f.tags,
		})
	}
	if len(cfg.Packages) == 0 {
		return config.Config{}, errors.New("no packages: use --package or a config file")
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := bundle.New(append(cfg.Options(), bundle.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer sys.Close()

	s := &syncer{ctx: ctx, sys: sys, f: f, logger: logger}
	if f.clearAll {
		if err := s.clearAll(); err != nil {
			return err
		}
	}
	var errs []error
	for _, pc := range cfg.Packages {
		if err := s.syncPackage(pc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pc.Name, err))
		}
	}
	if f.clear {
		if len(errs) > 0 {
			logger.Warn("skipping cache clear after failures")
		} else if err := s.clear(); err != nil {
			errs = append(errs, err)
		}
	}

	stats := sys.Downloads().Stats()
	fmt.Printf("downloaded %d files (%s), %d failed, cache %s\n",
		stats.Completed, humanize.IBytes(uint64(stats.Bytes)), stats.Failed, //nolint:gosec // byte counts are non-negative
		cacheSize(sys))
	return errors.Join(errs...)
}

type syncer struct {
	ctx    context.Context
	sys    *bundle.System
	f      flags
	logger *slog.Logger
}

func (s *syncer) syncPackage(pc config.Package) error {
	pkg, err := s.sys.CreatePackage(pc.Name, pc.Options()...)
	if err != nil {
		return err
	}

	if err := s.activate(pkg, pc); err != nil {
		return err
	}

	var req *bundle.DownloadRequest
	switch {
	case len(s.f.assets) > 0 && pc.Name == s.f.pkg:
		req = pkg.DownloadAssets(s.f.assets...)
	case len(pc.Tags) > 0:
		req = pkg.DownloadTags(pc.Tags...)
	default:
		req = pkg.DownloadAll()
	}
	err = s.sys.Run(s.ctx, req.Handle)
	done, failed, total := req.Counts()
	got, want := req.Bytes()
	fmt.Printf("%s %s: %d/%d bundles (%s of %s)",
		pkg.Name(), pkg.Version(), done, total,
		humanize.IBytes(uint64(got)), humanize.IBytes(uint64(want))) //nolint:gosec // byte counts are non-negative
	if failed > 0 {
		fmt.Printf(", %d failed", failed)
	}
	fmt.Println()
	if err != nil {
		return err
	}

	if s.f.check {
		v := pkg.Verify()
		if err := s.sys.Run(s.ctx, v.Handle); err != nil {
			return err
		}
		verified, corrupt, missing := v.Counts()
		fmt.Printf("%s verify: %d ok, %d corrupt, %d missing\n", pkg.Name(), verified, corrupt, missing)
	}
	return nil
}

// activate loads the package manifest, falling back to the persisted one when
// the host cannot be reached.
func (s *syncer) activate(pkg *bundle.Package, pc config.Package) error {
	if s.f.offline {
		return pkg.LoadCachedManifest()
	}

	version := pc.Version
	if version == "" {
		req := pkg.UpdateVersion(s.f.timeout)
		if err := s.sys.Run(s.ctx, req.Handle); err != nil {
			return s.fallback(pkg, err)
		}
		version = req.Version()
	}
	if err := s.sys.Run(s.ctx, pkg.UpdateManifest(version, s.f.timeout)); err != nil {
		return s.fallback(pkg, err)
	}
	return nil
}

func (s *syncer) fallback(pkg *bundle.Package, cause error) error {
	if s.ctx.Err() != nil {
		return cause
	}
	if err := pkg.LoadCachedManifest(); err != nil {
		return errors.Join(cause, err)
	}
	s.logger.Warn("host unavailable, using persisted manifest",
		"package", pkg.Name(), "version", pkg.Version(), "error", cause)
	return nil
}

func (s *syncer) clear() error {
	req := s.sys.ClearUnusedCacheFiles()
	if err := s.sys.Run(s.ctx, req.Handle); err != nil {
		return err
	}
	fmt.Printf("cleared %d unused files", len(req.Deleted()))
	if n := len(req.Failed()); n > 0 {
		fmt.Printf(", %d could not be removed", n)
	}
	fmt.Println()
	return nil
}

func (s *syncer) clearAll() error {
	req := s.sys.ClearCache()
	if err := s.sys.Run(s.ctx, req.Handle); err != nil {
		return err
	}
	fmt.Printf("cleared %d files from %s\n", len(req.Deleted()), s.sys.CacheDir())
	if n := len(req.Failed()); n > 0 {
		return fmt.Errorf("clear cache: %d files could not be removed", n)
	}
	return nil
}

func cacheSize(sys *bundle.System) string {
	n, err := sys.Cache().SizeBytes()
	if err != nil {
		return "unknown size"
	}
	return humanize.IBytes(uint64(n)) //nolint:gosec // sizes are non-negative
}
