package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/jsonc"
)

// zstdMagic is the zstd frame header.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// maxDecodedBytes bounds decompressed manifest payloads.
const maxDecodedBytes = 256 << 20

// zstdEncoder and zstdDecoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("manifest: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
	if err != nil {
		panic("manifest: zstd decoder initialization failed: " + err.Error())
	}
}

// wireManifest is the transport representation. Derived indices are never
// serialized.
type wireManifest struct {
	FileVersion       string         `json:"fileVersion"`
	EnableAddressable bool           `json:"enableAddressable"`
	OutputNameStyle   NameStyle      `json:"outputNameStyle"`
	PackageName       string         `json:"packageName"`
	PackageVersion    string         `json:"packageVersion"`
	HashAlgorithm     HashAlgorithm  `json:"hashAlgorithm,omitempty"`
	BundleList        []BundleRecord `json:"bundleList"`
	AssetList         []AssetRecord  `json:"assetList"`
}

// Deserialize decodes and indexes a manifest payload.
//
// The payload is JSON, optionally with comments and optionally zstd-compressed.
// Any failure is an *IntegrityError and no manifest is returned.
func Deserialize(payload []byte, opts ...Option) (*Manifest, error) {
	o := newOptions(opts)

	data, err := decompress(payload)
	if err != nil {
		return nil, err
	}

	var w wireManifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &w); err != nil {
		return nil, integrityf(ErrMalformed, "%v", err)
	}
	if w.FileVersion != FileVersion {
		return nil, integrityf(ErrVersionMismatch, "%q != %q", w.FileVersion, FileVersion)
	}

	h := Header{
		FileVersion:    w.FileVersion,
		Addressable:    w.EnableAddressable,
		NameStyle:      w.OutputNameStyle,
		PackageName:    w.PackageName,
		PackageVersion: w.PackageVersion,
		HashAlgorithm:  w.HashAlgorithm,
	}
	m, err := build(h, w.BundleList, w.AssetList, o)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("manifest loaded",
		"package", h.PackageName,
		"version", h.PackageVersion,
		"bundles", len(m.bundles),
		"assets", len(m.assets))
	return m, nil
}

// Marshal encodes the manifest as an indented JSON payload.
func (m *Manifest) Marshal() ([]byte, error) {
	w := wireManifest{
		FileVersion:       m.header.FileVersion,
		EnableAddressable: m.header.Addressable,
		OutputNameStyle:   m.header.NameStyle,
		PackageName:       m.header.PackageName,
		PackageVersion:    m.header.PackageVersion,
		HashAlgorithm:     m.header.HashAlgorithm,
		BundleList:        m.bundles,
		AssetList:         m.assets,
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

// Compress zstd-compresses a payload. Deserialize detects compressed payloads
// automatically.
func Compress(payload []byte) []byte {
	return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

// IsCompressed reports whether payload starts with a zstd frame.
func IsCompressed(payload []byte) bool {
	return bytes.HasPrefix(payload, zstdMagic)
}

func decompress(payload []byte) ([]byte, error) {
	if !IsCompressed(payload) {
		return payload, nil
	}
	data, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, integrityf(ErrMalformed, "zstd: %v", err)
	}
	return data, nil
}
