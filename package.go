package bundle

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	"github.com/meigma/bundle/manifest"
	"github.com/meigma/bundle/operation"
)

// Package is one independently versioned manifest lifecycle.
//
// The active manifest is immutable and replaced by a single pointer swap, so
// readers see either the old or the new manifest, never a mix.
type Package struct {
	sys             *System
	name            string
	hostURL         string
	fallbackURL     string
	locationToLower bool

	active atomic.Pointer[manifest.Manifest]
}

// Name returns the package name.
func (p *Package) Name() string { return p.name }

// Manifest returns the active manifest, or nil before one is loaded.
func (p *Package) Manifest() *manifest.Manifest { return p.active.Load() }

// Version returns the active manifest's version, or "".
func (p *Package) Version() string {
	if m := p.Manifest(); m != nil {
		return m.PackageVersion()
	}
	return ""
}

func (p *Package) manifestOptions() []manifest.Option {
	return []manifest.Option{
		manifest.WithLocationToLower(p.locationToLower),
		manifest.WithLogger(p.sys.logger),
	}
}

func (p *Package) urls(file string) (main, fallback string) {
	main = strings.TrimSuffix(p.hostURL, "/") + "/" + file
	if p.fallbackURL != "" {
		fallback = strings.TrimSuffix(p.fallbackURL, "/") + "/" + file
	}
	return main, fallback
}

func (p *Package) opName(op string) string {
	return p.name + ":" + op
}

// VersionRequest is a running UpdateVersion operation.
type VersionRequest struct {
	*operation.Handle
	op *versionOperation
}

// Version returns the remote version after success.
func (r *VersionRequest) Version() string {
	if r.op == nil {
		return ""
	}
	return r.op.version
}

type versionOperation struct {
	req     *download.RequestOperation
	version string
}

func (op *versionOperation) Poll(t *operation.Tick) (bool, error) {
	done, err := op.req.Poll(t)
	if !done || err != nil {
		return done, err
	}
	op.version = strings.TrimSpace(op.req.Text())
	if op.version == "" {
		return true, ErrEmptyVersion
	}
	return true, nil
}

func (op *versionOperation) Abort() { op.req.Abort() }

// UpdateVersion fetches the package's current remote version.
func (p *Package) UpdateVersion(timeout time.Duration) *VersionRequest {
	name := p.opName("update-version")
	if p.hostURL == "" {
		return &VersionRequest{Handle: p.sys.fail(name, ErrNoHostServer)}
	}
	main, fallback := p.urls(manifest.VersionFileName(p.name))
	op := &versionOperation{req: p.sys.downloads.NewRequest(main, fallback, timeout)}
	return &VersionRequest{Handle: p.sys.scheduler.Start(name, op), op: op}
}

type manifestOperation struct {
	p       *Package
	version string
	req     *download.RequestOperation
}

func (op *manifestOperation) Poll(t *operation.Tick) (bool, error) {
	done, err := op.req.Poll(t)
	if !done || err != nil {
		return done, err
	}
	payload := op.req.Bytes()
	m, err := manifest.Deserialize(payload, op.p.manifestOptions()...)
	if err != nil {
		return true, err
	}
	if m.PackageName() != op.p.name || m.PackageVersion() != op.version {
		return true, fmt.Errorf("%w: got %s@%s, want %s@%s",
			ErrPackageMismatch, m.PackageName(), m.PackageVersion(), op.p.name, op.version)
	}
	op.p.sys.saveState(op.p.name, op.version, payload)
	op.p.active.Store(m)
	op.p.sys.logger.Info("manifest updated",
		"package", op.p.name,
		"version", op.version,
		"bundles", len(m.Bundles()))
	return true, nil
}

func (op *manifestOperation) Abort() { op.req.Abort() }

// UpdateManifest downloads the manifest for version and makes it active.
// If version is already active it succeeds without a request. A failed
// update leaves the previous manifest active.
func (p *Package) UpdateManifest(version string, timeout time.Duration) *operation.Handle {
	name := p.opName("update-manifest")
	switch {
	case version == "":
		return p.sys.fail(name, ErrEmptyVersion)
	case p.Version() == version:
		return p.sys.succeed(name)
	case p.hostURL == "":
		return p.sys.fail(name, ErrNoHostServer)
	}
	main, fallback := p.urls(manifest.ManifestFileName(p.name, version))
	op := &manifestOperation{
		p:       p,
		version: version,
		req:     p.sys.downloads.NewRequest(main, fallback, timeout),
	}
	return p.sys.scheduler.Start(name, op)
}

// LoadCachedManifest activates the manifest persisted by the last successful
// UpdateManifest, for starting without network access.
func (p *Package) LoadCachedManifest() error {
	if p.sys.state == nil {
		return ErrStateDisabled
	}
	rec, err := p.sys.state.Get(p.name)
	if err != nil {
		return fmt.Errorf("load cached manifest %s: %w", p.name, err)
	}
	m, err := manifest.Deserialize(rec.Manifest, p.manifestOptions()...)
	if err != nil {
		return err
	}
	if m.PackageName() != p.name {
		return fmt.Errorf("%w: got %s, want %s", ErrPackageMismatch, m.PackageName(), p.name)
	}
	p.active.Store(m)
	p.sys.logger.Info("cached manifest loaded", "package", p.name, "version", m.PackageVersion())
	return nil
}

// ContainsBundleFile reports whether the active manifest references fileName.
func (p *Package) ContainsBundleFile(fileName string) bool {
	m := p.Manifest()
	return m != nil && m.ContainsBundleFile(fileName)
}

// ResolveBundles returns the bundles needed to load the assets at locations:
// each asset's owner followed by its dependencies, deduplicated by hash, in
// first-seen order. Unresolvable locations are logged and skipped.
func (p *Package) ResolveBundles(locations ...string) ([]manifest.BundleRecord, error) {
	m := p.Manifest()
	if m == nil {
		return nil, ErrManifestNotLoaded
	}
	seen := make(map[string]struct{})
	var out []manifest.BundleRecord
	add := func(b manifest.BundleRecord) {
		if _, ok := seen[b.Hash]; ok {
			return
		}
		seen[b.Hash] = struct{}{}
		out = append(out, b)
	}
	for _, loc := range locations {
		assetPath := m.MapLocationToAsset(loc)
		if assetPath == "" {
			continue
		}
		owner, err := m.ResolveOwner(assetPath)
		if err != nil {
			return nil, err
		}
		add(owner)
		deps, err := m.ResolveDependencies(assetPath)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			add(d)
		}
	}
	return out, nil
}

// MissingBundles returns the bundles that are absent or fail verification in
// the cache.
func (p *Package) MissingBundles(bundles []manifest.BundleRecord) []manifest.BundleRecord {
	algo := manifest.SHA256
	if m := p.Manifest(); m != nil {
		algo = m.HashAlgorithm()
	}
	var out []manifest.BundleRecord
	for _, b := range bundles {
		if err := p.sys.store.Check(b, algo); err != nil {
			out = append(out, b)
		}
	}
	return out
}

// DownloadRequest is a running bundle download.
type DownloadRequest struct {
	*operation.Handle
	batch *download.Batch
}

// Counts returns the number of completed, failed and total bundles.
func (r *DownloadRequest) Counts() (completed, failed, total int) {
	if r.batch == nil {
		return 0, 0, 0
	}
	return r.batch.Counts()
}

// Bytes returns completed and total bytes.
func (r *DownloadRequest) Bytes() (done, total int64) {
	if r.batch == nil {
		return 0, 0
	}
	return r.batch.Bytes()
}

// Failed returns the per-file failures.
func (r *DownloadRequest) Failed() []download.Result {
	if r.batch == nil {
		return nil
	}
	return r.batch.Failed()
}

// DownloadAssets downloads the bundles needed by the assets at locations.
// Bundles already cached and valid are not fetched.
func (p *Package) DownloadAssets(locations ...string) *DownloadRequest {
	bundles, err := p.ResolveBundles(locations...)
	if err != nil {
		return &DownloadRequest{Handle: p.sys.fail(p.opName("download-assets"), err)}
	}
	return p.download("download-assets", bundles)
}

// DownloadTags downloads bundles carrying any of tags, plus untagged bundles.
func (p *Package) DownloadTags(tags ...string) *DownloadRequest {
	m := p.Manifest()
	if m == nil {
		return &DownloadRequest{Handle: p.sys.fail(p.opName("download-tags"), ErrManifestNotLoaded)}
	}
	var bundles []manifest.BundleRecord
	for _, b := range m.Bundles() {
		if !b.HasAnyTags() || b.HasTag(tags) {
			bundles = append(bundles, b)
		}
	}
	return p.download("download-tags", bundles)
}

// DownloadAll downloads every bundle in the active manifest.
func (p *Package) DownloadAll() *DownloadRequest {
	m := p.Manifest()
	if m == nil {
		return &DownloadRequest{Handle: p.sys.fail(p.opName("download-all"), ErrManifestNotLoaded)}
	}
	return p.download("download-all", m.Bundles())
}

func (p *Package) download(op string, bundles []manifest.BundleRecord) *DownloadRequest {
	name := p.opName(op)
	m := p.Manifest()
	if m == nil {
		return &DownloadRequest{Handle: p.sys.fail(name, ErrManifestNotLoaded)}
	}
	if p.hostURL == "" && len(bundles) > 0 {
		return &DownloadRequest{Handle: p.sys.fail(name, ErrNoHostServer)}
	}
	jobs := make([]download.Job, 0, len(bundles))
	for _, b := range bundles {
		main, fallback := p.urls(b.FileName())
		jobs = append(jobs, download.Job{
			Bundle:      b,
			Algorithm:   m.HashAlgorithm(),
			URL:         main,
			FallbackURL: fallback,
		})
	}
	batch := p.sys.downloads.NewBatch(jobs)
	return &DownloadRequest{Handle: p.sys.scheduler.Start(name, batch), batch: batch}
}

// VerifyRequest is a running cache verification.
type VerifyRequest struct {
	*operation.Handle
	op *cache.VerifyOperation
}

// Counts returns verified, corrupt and missing bundle counts.
func (r *VerifyRequest) Counts() (verified, corrupt, missing int) {
	if r.op == nil {
		return 0, 0, 0
	}
	return r.op.Counts()
}

// Verify checks every cached bundle of the active manifest and deletes the
// corrupt ones.
func (p *Package) Verify() *VerifyRequest {
	name := p.opName("verify")
	m := p.Manifest()
	if m == nil {
		return &VerifyRequest{Handle: p.sys.fail(name, ErrManifestNotLoaded)}
	}
	op := cache.NewVerifyOperation(p.sys.store, m)
	return &VerifyRequest{Handle: p.sys.scheduler.Start(name, op), op: op}
}
