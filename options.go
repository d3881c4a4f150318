package bundle

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/internal/clock"
	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/operation"
)

// Option configures a System.
type Option func(*System) error

// VerifyLevel controls how thoroughly cached files are checked.
type VerifyLevel = verify.Level

// Verification levels, each including the checks of the ones before it.
const (
	VerifyExistence = verify.LevelExistence
	VerifySize      = verify.LevelSize
	VerifyChecksum  = verify.LevelChecksum
	VerifyHash      = verify.LevelHash
)

// ParseVerifyLevel parses "existence", "size", "checksum" or "hash".
func ParseVerifyLevel(s string) (VerifyLevel, error) {
	return verify.ParseLevel(s)
}

// Clock reports the current time. The scheduler measures its budget with it.
type Clock = clock.Clock

// --- Storage Options ---

// WithCacheDir sets the directory holding bundle files. Defaults to
// "bundle" under os.UserCacheDir.
func WithCacheDir(dir string) Option {
	return func(s *System) error {
		if dir == "" {
			return errors.New("cache dir is empty")
		}
		s.cacheDir = dir
		return nil
	}
}

// WithStateFile enables persisting accepted manifests to a bbolt database at
// path, which LoadCachedManifest reads back.
func WithStateFile(path string) Option {
	return func(s *System) error {
		s.statePath = path
		return nil
	}
}

// WithVerifyLevel sets the cache verification level. Defaults to VerifySize.
func WithVerifyLevel(level VerifyLevel) Option {
	return func(s *System) error {
		if !level.Valid() {
			return fmt.Errorf("invalid verify level %d", int(level))
		}
		s.storeOpts = append(s.storeOpts, cache.WithVerifyLevel(level))
		return nil
	}
}

// WithAlwaysRecheck disables the known-good memo so every check re-verifies
// cached files.
func WithAlwaysRecheck(enabled bool) Option {
	return func(s *System) error {
		s.storeOpts = append(s.storeOpts, cache.WithAlwaysRecheck(enabled))
		return nil
	}
}

// --- Scheduling Options ---

// WithTimeSlice sets the per-update scheduler budget. Values below
// operation.MinTimeSlice are raised to it.
func WithTimeSlice(d time.Duration) Option {
	return func(s *System) error {
		s.schedOpts = append(s.schedOpts, operation.WithTimeSlice(d))
		return nil
	}
}

// WithClock sets the scheduler clock.
func WithClock(c Clock) Option {
	return func(s *System) error {
		s.schedOpts = append(s.schedOpts, operation.WithClock(c))
		return nil
	}
}

// --- Download Options ---

// WithWorkers bounds simultaneous bundle transfers.
func WithWorkers(n int) Option {
	return func(s *System) error {
		s.managerOpts = append(s.managerOpts, download.WithWorkers(n))
		return nil
	}
}

// WithRetries sets how many times a failed transfer is retried.
func WithRetries(n int) Option {
	return func(s *System) error {
		s.managerOpts = append(s.managerOpts, download.WithRetries(n))
		return nil
	}
}

// WithMinResumeBytes sets the partial-file size below which downloads
// restart from zero.
func WithMinResumeBytes(n int64) Option {
	return func(s *System) error {
		s.managerOpts = append(s.managerOpts, download.WithMinResumeBytes(n))
		return nil
	}
}

// WithClearFileStatusCodes sets the HTTP statuses that delete a partial file
// and fail without retrying.
func WithClearFileStatusCodes(codes ...int) Option {
	return func(s *System) error {
		s.managerOpts = append(s.managerOpts, download.WithClearFileStatusCodes(codes...))
		return nil
	}
}

// WithDownloadTimeout cancels a transfer attempt when no data arrives for d.
func WithDownloadTimeout(d time.Duration) Option {
	return func(s *System) error {
		s.managerOpts = append(s.managerOpts, download.WithTimeout(d))
		return nil
	}
}

// --- Transport Options ---

// WithHTTPClient sets the HTTP client for all requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *System) error {
		s.transportOpts = append(s.transportOpts, download.WithClient(client))
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *System) error {
		s.transportOpts = append(s.transportOpts, download.WithUserAgent(ua))
		return nil
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(s *System) error {
		s.transportOpts = append(s.transportOpts, download.WithHeader(key, value))
		return nil
	}
}

// --- Logging ---

// WithLogger sets the logger for all components.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) error {
		s.logger = logger
		return nil
	}
}

// PackageOption configures a Package.
type PackageOption func(*Package)

// WithHostServer sets the base URL the package is served from.
func WithHostServer(url string) PackageOption {
	return func(p *Package) {
		p.hostURL = url
	}
}

// WithFallbackHostServer sets a secondary base URL tried on alternate attempts.
func WithFallbackHostServer(url string) PackageOption {
	return func(p *Package) {
		p.fallbackURL = url
	}
}

// WithLocationToLower makes location lookups case-insensitive. It has no
// effect on addressable manifests.
func WithLocationToLower(enabled bool) PackageOption {
	return func(p *Package) {
		p.locationToLower = enabled
	}
}
