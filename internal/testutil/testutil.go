// Package testutil builds manifests and cache fixtures for tests.
package testutil

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

// File is a bundle's name, content and tags.
type File struct {
	Name string
	Data []byte
	Tags []string
}

// Bundle returns a record describing data under algo.
func Bundle(name string, data []byte, algo manifest.HashAlgorithm, tags ...string) manifest.BundleRecord {
	return manifest.BundleRecord{
		Name:     name,
		Hash:     verify.Sum(algo, data),
		Checksum: verify.Checksum(data),
		Size:     int64(len(data)),
		Tags:     tags,
	}
}

// Package is a manifest plus the content of every bundle it lists.
type Package struct {
	Manifest *manifest.Manifest

	// Data maps bundle file names to content.
	Data map[string][]byte
}

// Bytes returns the content of b.
func (p *Package) Bytes(b manifest.BundleRecord) []byte {
	return p.Data[b.FileName()]
}

// Bundle returns the manifest record for a bundle name; it fails tb if absent.
func (p *Package) Bundle(tb testing.TB, name string) manifest.BundleRecord {
	tb.Helper()
	b, ok := p.Manifest.Bundle(name)
	if !ok {
		tb.Fatalf("bundle %q not in manifest", name)
	}
	return b
}

// NewPackage builds a package whose bundles each own one asset named
// "assets/<bundle name without extension>.asset". Assets carry their
// bundle's tags.
func NewPackage(tb testing.TB, name, version string, files ...File) *Package {
	tb.Helper()

	const algo = manifest.SHA256
	bundles := make([]manifest.BundleRecord, 0, len(files))
	assets := make([]manifest.AssetRecord, 0, len(files))
	for i, f := range files {
		bundles = append(bundles, Bundle(f.Name, f.Data, algo, f.Tags...))
		assets = append(assets, manifest.AssetRecord{
			Path:     AssetPath(f.Name),
			BundleID: i,
			Tags:     f.Tags,
		})
	}
	return Build(tb, manifest.Header{
		NameStyle:      manifest.NameStyleHashExt,
		PackageName:    name,
		PackageVersion: version,
		HashAlgorithm:  algo,
	}, bundles, assets, files)
}

// Build wraps manifest.New and collects bundle content by file name. files
// must be in the same order as bundles.
func Build(tb testing.TB, h manifest.Header, bundles []manifest.BundleRecord, assets []manifest.AssetRecord, files []File) *Package {
	tb.Helper()

	m, err := manifest.New(h, bundles, assets)
	if err != nil {
		tb.Fatalf("build manifest: %v", err)
	}
	data := make(map[string][]byte, len(files))
	for i, b := range m.Bundles() {
		if i < len(files) {
			data[b.FileName()] = files[i].Data
		}
	}
	return &Package{Manifest: m, Data: data}
}

// AssetPath returns the asset path NewPackage assigns to a bundle.
func AssetPath(bundleName string) string {
	return "assets/" + strings.TrimSuffix(bundleName, path.Ext(bundleName)) + ".asset"
}

// WriteFile writes data to dir/name and returns the full path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		tb.Fatalf("write %s: %v", p, err)
	}
	return p
}

// Payload returns deterministic test content of n bytes.
func Payload(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31) ^ seed
	}
	return data
}
