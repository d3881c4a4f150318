package manifest

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// FileVersion is the manifest schema version this runtime understands.
// Payloads declaring any other version are rejected.
const FileVersion = "1.3.0"

// NameStyle selects how a bundle's on-disk file name is derived.
type NameStyle int

// Name styles. The numeric values are part of the wire format.
const (
	NameStyleHash        NameStyle = 1 // <hash>
	NameStyleHashExt     NameStyle = 2 // <hash><ext>
	NameStyleNameHash    NameStyle = 3 // <name>_<hash>
	NameStyleNameHashExt NameStyle = 4 // <name>_<hash><ext>
)

func (s NameStyle) String() string {
	switch s {
	case NameStyleHash:
		return "hash"
	case NameStyleHashExt:
		return "hash+ext"
	case NameStyleNameHash:
		return "name+hash"
	case NameStyleNameHashExt:
		return "name+hash+ext"
	default:
		return fmt.Sprintf("NameStyle(%d)", int(s))
	}
}

// Valid reports whether s is a known style.
func (s NameStyle) Valid() bool {
	return s >= NameStyleHash && s <= NameStyleNameHashExt
}

// FileName derives the cache file name of a bundle. It is a pure function of
// its three inputs. Slashes in the bundle name are flattened to underscores so
// every bundle lives directly in the cache directory.
func FileName(style NameStyle, bundleName, fileHash string) (string, error) {
	ext := path.Ext(bundleName)
	switch style {
	case NameStyleHash:
		return fileHash, nil
	case NameStyleHashExt:
		return fileHash + ext, nil
	case NameStyleNameHash:
		return flatName(bundleName, ext) + "_" + fileHash, nil
	case NameStyleNameHashExt:
		return flatName(bundleName, ext) + "_" + fileHash + ext, nil
	default:
		return "", integrityf(ErrInvalidNameStyle, "%d", int(style))
	}
}

func flatName(bundleName, ext string) string {
	return strings.ReplaceAll(strings.TrimSuffix(bundleName, ext), "/", "_")
}

// LoadMethod tells the bundle loader how the file should be opened. The
// manifest only carries the value.
type LoadMethod uint8

// Load methods.
const (
	LoadFromFile LoadMethod = iota
	LoadFromFileOffset
	LoadFromMemory
	LoadFromStream
)

// HashAlgorithm names the digest used for bundle content hashes.
type HashAlgorithm string

// Supported hash algorithms. An empty value means SHA256.
const (
	SHA256 HashAlgorithm = "sha256"
	BLAKE3 HashAlgorithm = "blake3"
)

// Valid reports whether a is supported.
func (a HashAlgorithm) Valid() bool {
	switch a {
	case SHA256, BLAKE3:
		return true
	default:
		return false
	}
}

// BundleRecord describes one physical bundle file.
//
// Records are immutable once loaded; the Tags slice must not be modified.
type BundleRecord struct {
	// Name is the logical bundle name (e.g., "ui/login.bundle").
	Name string `json:"bundleName"`

	// Hash is the hex content hash. It alone determines file identity.
	Hash string `json:"fileHash"`

	// Checksum is the decimal CRC-32 (IEEE) of the file.
	Checksum string `json:"fileCRC"`

	// Size is the file size in bytes.
	Size int64 `json:"fileSize"`

	// Raw marks files delivered as-is rather than as engine bundles.
	Raw bool `json:"isRawFile"`

	LoadMethod LoadMethod `json:"loadMethod"`

	Tags []string `json:"tags,omitempty"`

	fileName string
}

// FileName returns the derived cache file name.
func (b BundleRecord) FileName() string {
	return b.fileName
}

// Equal reports whether two records carry the same content, regardless of name.
func (b BundleRecord) Equal(other BundleRecord) bool {
	return b.Hash == other.Hash
}

// HasTag reports whether the record carries any of tags. An empty query never
// matches.
func (b BundleRecord) HasTag(tags []string) bool {
	return hasAny(b.Tags, tags)
}

// HasAnyTags reports whether the record has at least one tag.
func (b BundleRecord) HasAnyTags() bool {
	return len(b.Tags) > 0
}

// AssetRecord describes one addressable asset.
type AssetRecord struct {
	// Path is the canonical asset path.
	Path string `json:"assetPath"`

	// Address is the caller-assigned address used in addressable mode.
	Address string `json:"address,omitempty"`

	// BundleID is the index of the owning bundle.
	BundleID int `json:"bundleID"`

	// DependIDs are the indices of dependency bundles in load order.
	DependIDs []int `json:"dependIDs,omitempty"`

	Tags []string `json:"assetTags,omitempty"`
}

// HasTag reports whether the asset carries any of tags.
func (a AssetRecord) HasTag(tags []string) bool {
	return hasAny(a.Tags, tags)
}

// AssetInfo is the public description of an asset returned by queries.
type AssetInfo struct {
	Path    string
	Address string
	Tags    []string
}

func hasAny(have, query []string) bool {
	if len(have) == 0 || len(query) == 0 {
		return false
	}
	for _, tag := range query {
		if slices.Contains(have, tag) {
			return true
		}
	}
	return false
}

// VersionFileName returns the remote name of a package's version descriptor.
func VersionFileName(packageName string) string {
	return packageName + ".version"
}

// ManifestFileName returns the remote name of a package manifest.
func ManifestFileName(packageName, version string) string {
	return packageName + "_" + version + ".json"
}
