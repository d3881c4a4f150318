package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/internal/state"
	"github.com/meigma/bundle/manifest"
	"github.com/meigma/bundle/operation"
)

// System owns the scheduler, cache, downloads, and package registry.
// Multiple independent systems may coexist, but two systems must not share a
// cache directory.
type System struct {
	cacheDir      string
	statePath     string
	storeOpts     []cache.Option
	managerOpts   []download.Option
	schedOpts     []operation.Option
	transportOpts []download.TransportOption
	logger        *slog.Logger

	scheduler *operation.Scheduler
	store     *cache.Store
	downloads *download.Manager
	state     *state.DB

	mu       sync.RWMutex
	packages map[string]*Package
	order    []string
	closed   bool
}

// New creates a System with the given options.
func New(opts ...Option) (*System, error) {
	s := &System{packages: make(map[string]*Package)}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("default cache dir: %w", err)
		}
		s.cacheDir = filepath.Join(base, "bundle")
	}

	storeOpts := append(s.storeOpts, cache.WithLogger(s.logger))
	if s.statePath != "" && sameDir(filepath.Dir(s.statePath), s.cacheDir) {
		storeOpts = append(storeOpts, cache.WithReserved(filepath.Base(s.statePath)))
	}
	store, err := cache.New(s.cacheDir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	s.store = store

	transport := download.NewTransport(s.transportOpts...)
	s.downloads, err = download.NewManager(store, append(s.managerOpts,
		download.WithTransport(transport),
		download.WithLogger(s.logger),
	)...)
	if err != nil {
		return nil, err
	}

	s.scheduler = operation.New(append(s.schedOpts, operation.WithLogger(s.logger))...)

	if s.statePath != "" {
		s.state, err = state.Open(s.statePath)
		if err != nil {
			_ = s.downloads.Close()
			return nil, err
		}
	}
	return s, nil
}

// Update runs one scheduler tick. Hosts call it once per frame.
func (s *System) Update() {
	s.scheduler.Update()
}

// Run ticks the scheduler until h finishes or ctx is done, and returns h's
// terminal error.
func (s *System) Run(ctx context.Context, h *operation.Handle) error {
	return s.scheduler.Drive(ctx, h, s.scheduler.TimeSlice())
}

// Scheduler returns the system's scheduler.
func (s *System) Scheduler() *operation.Scheduler { return s.scheduler }

// Cache returns the system's bundle cache.
func (s *System) Cache() *cache.Store { return s.store }

// Downloads returns the system's download manager.
func (s *System) Downloads() *download.Manager { return s.downloads }

// CreatePackage registers a new package.
func (s *System) CreatePackage(name string, opts ...PackageOption) (*Package, error) {
	if name == "" {
		return nil, errors.New("bundle: empty package name")
	}
	p := &Package{sys: s, name: name}
	for _, opt := range opts {
		opt(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.packages[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageExists, name)
	}
	s.packages[name] = p
	s.order = append(s.order, name)
	s.logger.Info("package created", "package", name, "host", p.hostURL)
	return p, nil
}

// Package returns the package registered under name.
func (s *System) Package(name string) (*Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return p, nil
}

// Packages returns all packages in creation order.
func (s *System) Packages() []*Package {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Package, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.packages[name])
	}
	return out
}

// RemovePackage unregisters a package and drops its persisted manifest. Its
// cached files become eligible for ClearUnusedCacheFiles.
func (s *System) RemovePackage(name string) error {
	s.mu.Lock()
	if _, ok := s.packages[name]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	delete(s.packages, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.state == nil {
		return nil
	}
	if err := s.state.Delete(name); err != nil {
		return fmt.Errorf("remove package state: %w", err)
	}
	return nil
}

// ClearRequest is a running ClearUnusedCacheFiles operation.
type ClearRequest struct {
	*operation.Handle
	op *cache.ClearUnusedOperation
}

// Deleted returns the paths removed so far.
func (r *ClearRequest) Deleted() []string {
	if r.op == nil {
		return nil
	}
	return r.op.Deleted()
}

// Failed returns the paths that could not be removed.
func (r *ClearRequest) Failed() []string {
	if r.op == nil {
		return nil
	}
	return r.op.Failed()
}

// ClearUnusedCacheFiles deletes cache files no package's active manifest
// references. It fails with ErrManifestNotLoaded if any package has no
// manifest, since that package's files cannot be told apart from orphans.
func (s *System) ClearUnusedCacheFiles() *ClearRequest {
	packages := s.Packages()
	manifests := make([]*manifest.Manifest, 0, len(packages))
	for _, p := range packages {
		m := p.Manifest()
		if m == nil {
			return &ClearRequest{Handle: s.fail("clear-unused", fmt.Errorf("%w: %s", ErrManifestNotLoaded, p.name))}
		}
		manifests = append(manifests, m)
	}
	op := cache.NewClearUnusedOperation(s.store, manifests...)
	return &ClearRequest{Handle: s.scheduler.Start("clear-unused", op), op: op}
}

// ClearCache deletes every bundle and partial download in the cache
// directory, whatever the packages reference. A state file kept in the cache
// directory survives.
func (s *System) ClearCache() *ClearRequest {
	op := cache.NewClearAllOperation(s.store)
	return &ClearRequest{Handle: s.scheduler.Start("clear-cache", op), op: op}
}

// CacheDir returns the cache root.
func (s *System) CacheDir() string { return s.store.Dir() }

// Close cancels running operations, stops downloads, and closes the state
// database. Unfinished handles complete with operation.ErrCancelled.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.scheduler.CancelAll()
	s.scheduler.Update()
	errs := []error{s.downloads.Close()}
	if s.state != nil {
		errs = append(errs, s.state.Close())
	}
	return errors.Join(errs...)
}

// fail starts an operation that fails with err on its first poll.
func (s *System) fail(name string, err error) *operation.Handle {
	return s.scheduler.Start(name, operation.Func(func(*operation.Tick) (bool, error) {
		return true, err
	}))
}

// succeed starts an operation that succeeds on its first poll.
func (s *System) succeed(name string) *operation.Handle {
	return s.scheduler.Start(name, operation.Func(func(*operation.Tick) (bool, error) {
		return true, nil
	}))
}

func (s *System) saveState(name, version string, payload []byte) {
	if s.state == nil {
		return
	}
	if !manifest.IsCompressed(payload) {
		payload = manifest.Compress(payload)
	}
	err := s.state.Put(state.Record{Package: name, Version: version, Manifest: payload})
	if err != nil {
		s.logger.Warn("persist manifest state", "package", name, "version", version, "error", err)
	}
}

func sameDir(a, b string) bool {
	a, errA := filepath.Abs(a)
	b, errB := filepath.Abs(b)
	return errA == nil && errB == nil && a == b
}
