package cache

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

// TempSuffix marks partially downloaded files.
const TempSuffix = ".temp"

const defaultDirPerm = 0o700

// Store is a flat directory of bundle files named by manifest.FileName.
// It is safe for concurrent use.
type Store struct {
	dir           string
	dirPerm       os.FileMode
	level         verify.Level
	alwaysRecheck bool
	reserved      map[string]struct{}
	logger        *slog.Logger
	remove        func(string) error

	mu    sync.Mutex
	known map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions used when creating the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithVerifyLevel sets how thoroughly Check inspects cached files.
// Defaults to verify.LevelSize.
func WithVerifyLevel(level verify.Level) Option {
	return func(s *Store) {
		s.level = level
	}
}

// WithAlwaysRecheck disables the known-good memo so every Check re-verifies
// at the configured level.
func WithAlwaysRecheck(enabled bool) Option {
	return func(s *Store) {
		s.alwaysRecheck = enabled
	}
}

// WithReserved marks file names in the cache directory that are not bundles
// and must never be treated as orphans.
func WithReserved(names ...string) Option {
	return func(s *Store) {
		for _, n := range names {
			s.reserved[n] = struct{}{}
		}
	}
}

// WithLogger sets the logger for cache events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache: dir is empty")
	}
	s := &Store{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		level:    verify.LevelSize,
		known:    make(map[string]struct{}),
		reserved: make(map[string]struct{}),
		remove:   os.Remove,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.level.Valid() {
		return nil, errors.New("cache: invalid verify level")
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// Level returns the configured verification level.
func (s *Store) Level() verify.Level { return s.level }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Path returns the final location of b's file.
func (s *Store) Path(b manifest.BundleRecord) string {
	return filepath.Join(s.dir, b.FileName())
}

// TempPath returns the location of b's partial download.
func (s *Store) TempPath(b manifest.BundleRecord) string {
	return s.Path(b) + TempSuffix
}

// Check verifies b's cached file at the configured level.
//
// Hashes that already passed are remembered and only re-checked for
// existence, unless WithAlwaysRecheck is set. The error matches
// verify.ErrNotExist when the file is absent; verify.IsCorrupt reports a
// mismatch.
func (s *Store) Check(b manifest.BundleRecord, algo manifest.HashAlgorithm) error {
	path := s.Path(b)
	if !s.alwaysRecheck && s.isKnown(b.Hash) {
		err := verify.File(path, b, algo, verify.LevelExistence)
		if err != nil {
			s.Forget(b.Hash)
		}
		return err
	}
	if err := verify.File(path, b, algo, s.level); err != nil {
		return err
	}
	s.remember(b.Hash)
	return nil
}

// Commit atomically moves a verified temp file into b's final location.
func (s *Store) Commit(b manifest.BundleRecord, tmpPath string) error {
	finalPath := s.Path(b)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	s.remember(b.Hash)
	s.logger.Debug("bundle committed", "file", b.FileName(), "size", b.Size)
	return nil
}

// Remove deletes the file at path. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if err := s.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveBundle deletes b's final and temp files and forgets its hash.
func (s *Store) RemoveBundle(b manifest.BundleRecord) error {
	s.Forget(b.Hash)
	return errors.Join(s.Remove(s.Path(b)), s.Remove(s.TempPath(b)))
}

// Forget drops hash from the known-good memo.
func (s *Store) Forget(hash string) {
	s.mu.Lock()
	delete(s.known, hash)
	s.mu.Unlock()
}

// ForgetAll empties the known-good memo.
func (s *Store) ForgetAll() {
	s.mu.Lock()
	clear(s.known)
	s.mu.Unlock()
}

// SizeBytes returns the total size of regular files in the cache.
func (s *Store) SizeBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func (s *Store) isKnown(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[hash]
	return ok
}

func (s *Store) remember(hash string) {
	s.mu.Lock()
	s.known[hash] = struct{}{}
	s.mu.Unlock()
}
