package manifest

import (
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/meigma/bundle/internal/pathutil"
)

// Header holds the manifest's scalar fields.
type Header struct {
	// FileVersion is the schema version. New fills in FileVersion when empty.
	FileVersion string

	// Addressable switches location lookups from asset paths to addresses.
	Addressable bool

	// NameStyle selects the bundle file naming scheme.
	NameStyle NameStyle

	PackageName    string
	PackageVersion string

	// HashAlgorithm is the digest used for bundle hashes. Defaults to SHA256.
	HashAlgorithm HashAlgorithm
}

// Manifest is an immutable, indexed bundle/asset table for one package version.
type Manifest struct {
	header  Header
	bundles []BundleRecord
	assets  []AssetRecord

	bundleByName map[string]int
	assetByPath  map[string]int
	fileNames    map[string]struct{}

	// locations maps a lookup key (path, extension-less path, or address) to
	// the canonical asset path.
	locations      map[string]string
	lowerLocations bool

	logger *slog.Logger
}

// New builds a manifest from in-memory tables, applying the same validation
// and indexing as Deserialize. The input slices are copied.
func New(h Header, bundles []BundleRecord, assets []AssetRecord, opts ...Option) (*Manifest, error) {
	if h.FileVersion == "" {
		h.FileVersion = FileVersion
	}
	if h.FileVersion != FileVersion {
		return nil, integrityf(ErrVersionMismatch, "%q != %q", h.FileVersion, FileVersion)
	}
	return build(h, bundles, assets, newOptions(opts))
}

func build(h Header, bundles []BundleRecord, assets []AssetRecord, o options) (*Manifest, error) {
	if h.HashAlgorithm == "" {
		h.HashAlgorithm = SHA256
	}
	if !h.HashAlgorithm.Valid() {
		return nil, integrityf(ErrInvalidHashAlgorithm, "%q", h.HashAlgorithm)
	}
	if !h.NameStyle.Valid() {
		return nil, integrityf(ErrInvalidNameStyle, "%d", int(h.NameStyle))
	}

	m := &Manifest{
		header:       h,
		bundles:      slices.Clone(bundles),
		assets:       slices.Clone(assets),
		bundleByName: make(map[string]int, len(bundles)),
		assetByPath:  make(map[string]int, len(assets)),
		fileNames:    make(map[string]struct{}, len(bundles)),
		logger:       o.logger,
	}

	for i := range m.bundles {
		b := &m.bundles[i]
		name, err := FileName(h.NameStyle, b.Name, b.Hash)
		if err != nil {
			return nil, err
		}
		if err := pathutil.CheckFileName(name); err != nil {
			return nil, integrityf(ErrInvalidFileName, "bundle %q: %q", b.Name, name)
		}
		b.fileName = name
		if _, ok := m.bundleByName[b.Name]; ok {
			return nil, integrityf(ErrDuplicateKey, "bundle %q", b.Name)
		}
		m.bundleByName[b.Name] = i
		m.fileNames[name] = struct{}{}
	}

	for i, a := range m.assets {
		if _, ok := m.assetByPath[a.Path]; ok {
			return nil, integrityf(ErrDuplicateKey, "asset path %q", a.Path)
		}
		if !m.validBundleID(a.BundleID) {
			return nil, integrityf(ErrInvalidIndex, "bundle id %d for asset %q", a.BundleID, a.Path)
		}
		for _, id := range a.DependIDs {
			if !m.validBundleID(id) {
				return nil, integrityf(ErrInvalidIndex, "dependency id %d for asset %q", id, a.Path)
			}
		}
		m.assetByPath[a.Path] = i
	}

	if err := m.indexLocations(o.locationToLower); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) validBundleID(id int) bool {
	return id >= 0 && id < len(m.bundles)
}

// indexLocations builds the location map. Canonical keys (paths or addresses)
// are indexed before extension-less aliases so an alias never shadows a real
// asset path.
func (m *Manifest) indexLocations(toLower bool) error {
	m.locations = make(map[string]string, len(m.assets)*2)

	if m.header.Addressable {
		if toLower {
			m.logger.Error("location lower-casing is not supported with addressable mode, ignoring",
				slog.String("package", m.header.PackageName))
		}
		for _, a := range m.assets {
			if _, ok := m.locations[a.Address]; ok {
				return integrityf(ErrDuplicateKey, "address %q", a.Address)
			}
			m.locations[a.Address] = a.Path
		}
		return nil
	}

	m.lowerLocations = toLower
	for _, a := range m.assets {
		location := m.foldCase(a.Path)
		if _, ok := m.locations[location]; ok {
			return integrityf(ErrDuplicateKey, "asset location %q", location)
		}
		m.locations[location] = a.Path
	}
	for _, a := range m.assets {
		location := m.foldCase(a.Path)
		ext := path.Ext(location)
		if ext == "" {
			continue
		}
		alias := strings.TrimSuffix(location, ext)
		if _, ok := m.locations[alias]; ok {
			m.logger.Warn("extension-less location already mapped",
				slog.String("location", alias),
				slog.String("asset", a.Path))
			continue
		}
		m.locations[alias] = a.Path
	}
	return nil
}

func (m *Manifest) foldCase(location string) string {
	if m.lowerLocations {
		return strings.ToLower(location)
	}
	return location
}

// Header returns the manifest's scalar fields.
func (m *Manifest) Header() Header {
	return m.header
}

// PackageName returns the owning package name.
func (m *Manifest) PackageName() string {
	return m.header.PackageName
}

// PackageVersion returns the package version this manifest describes.
func (m *Manifest) PackageVersion() string {
	return m.header.PackageVersion
}

// HashAlgorithm returns the digest algorithm of bundle hashes.
func (m *Manifest) HashAlgorithm() HashAlgorithm {
	return m.header.HashAlgorithm
}

// Bundles returns a copy of the bundle table in declaration order.
func (m *Manifest) Bundles() []BundleRecord {
	return slices.Clone(m.bundles)
}

// Assets returns a copy of the asset table in declaration order.
func (m *Manifest) Assets() []AssetRecord {
	return slices.Clone(m.assets)
}

// Bundle looks up a bundle by logical name.
func (m *Manifest) Bundle(name string) (BundleRecord, bool) {
	i, ok := m.bundleByName[name]
	if !ok {
		return BundleRecord{}, false
	}
	return m.bundles[i], true
}

// Asset looks up an asset by canonical path.
func (m *Manifest) Asset(assetPath string) (AssetRecord, bool) {
	i, ok := m.assetByPath[assetPath]
	if !ok {
		return AssetRecord{}, false
	}
	return m.assets[i], true
}

// ResolveOwner returns the bundle that contains assetPath.
//
// The path must be canonical (see MapLocationToAsset); an unknown path returns
// ErrAssetNotFound.
func (m *Manifest) ResolveOwner(assetPath string) (BundleRecord, error) {
	i, ok := m.assetByPath[assetPath]
	if !ok {
		return BundleRecord{}, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
	}
	return m.bundles[m.assets[i].BundleID], nil
}

// ResolveDependencies returns the direct dependency bundles of assetPath in
// declaration order. The result is empty, not nil, when there are none.
func (m *Manifest) ResolveDependencies(assetPath string) ([]BundleRecord, error) {
	i, ok := m.assetByPath[assetPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetPath)
	}
	ids := m.assets[i].DependIDs
	deps := make([]BundleRecord, 0, len(ids))
	for _, id := range ids {
		deps = append(deps, m.bundles[id])
	}
	return deps, nil
}

// MapLocationToAsset converts a caller location to a canonical asset path.
// It returns "" and logs a warning when the location is not mapped.
func (m *Manifest) MapLocationToAsset(location string) string {
	if location == "" {
		m.logger.Error("cannot map empty location", slog.String("package", m.header.PackageName))
		return ""
	}
	if assetPath, ok := m.lookupLocation(location); ok {
		return assetPath
	}
	m.logger.Warn("location not mapped to an asset",
		slog.String("package", m.header.PackageName),
		slog.String("location", location))
	return ""
}

// TryMapLocationToAsset is MapLocationToAsset without logging.
func (m *Manifest) TryMapLocationToAsset(location string) string {
	if location == "" {
		return ""
	}
	assetPath, _ := m.lookupLocation(location)
	return assetPath
}

func (m *Manifest) lookupLocation(location string) (string, bool) {
	assetPath, ok := m.locations[m.foldCase(location)]
	return assetPath, ok
}

// FilterByTags returns every asset whose tags intersect tags, in declaration
// order. An empty query returns nothing.
func (m *Manifest) FilterByTags(tags []string) []AssetInfo {
	var result []AssetInfo
	for _, a := range m.assets {
		if a.HasTag(tags) {
			result = append(result, AssetInfo{Path: a.Path, Address: a.Address, Tags: a.Tags})
		}
	}
	return result
}

// BundlesByTags returns every bundle whose tags intersect tags, in declaration
// order. An empty query returns nothing.
func (m *Manifest) BundlesByTags(tags []string) []BundleRecord {
	var result []BundleRecord
	for _, b := range m.bundles {
		if b.HasTag(tags) {
			result = append(result, b)
		}
	}
	return result
}

// ContainsBundleFile reports whether fileName is the cache file of any bundle
// in the manifest.
func (m *Manifest) ContainsBundleFile(fileName string) bool {
	_, ok := m.fileNames[fileName]
	return ok
}
