// Package verify checks cached bundle files against their manifest records.
package verify

import (
	_ "crypto/sha256" // registers SHA256 for go-digest
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/meigma/bundle/manifest"
)

// Sentinel errors.
var (
	// ErrNotExist is returned when the file is absent.
	ErrNotExist = errors.New("verify: file does not exist")

	// ErrSizeMismatch is returned when the file size differs from the record.
	ErrSizeMismatch = errors.New("verify: size mismatch")

	// ErrChecksumMismatch is returned when the CRC-32 differs from the record.
	ErrChecksumMismatch = errors.New("verify: checksum mismatch")

	// ErrHashMismatch is returned when the content hash differs from the record.
	ErrHashMismatch = errors.New("verify: hash mismatch")

	// ErrInvalidHash is returned when the record's hash is not a valid digest.
	ErrInvalidHash = errors.New("verify: invalid hash")
)

// Level controls how much work is spent proving a file matches its record.
// Each level includes the checks of the levels below it.
type Level int

const (
	// LevelExistence trusts file presence alone.
	LevelExistence Level = iota
	// LevelSize also compares the file size.
	LevelSize
	// LevelChecksum also compares the CRC-32.
	LevelChecksum
	// LevelHash also re-hashes the full content.
	LevelHash
)

func (l Level) String() string {
	switch l {
	case LevelExistence:
		return "existence"
	case LevelSize:
		return "size"
	case LevelChecksum:
		return "checksum"
	case LevelHash:
		return "hash"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return l >= LevelExistence && l <= LevelHash
}

// ParseLevel parses a level name as produced by Level.String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "existence", "none":
		return LevelExistence, nil
	case "size":
		return LevelSize, nil
	case "checksum", "crc":
		return LevelChecksum, nil
	case "hash", "full":
		return LevelHash, nil
	default:
		return 0, fmt.Errorf("verify: unknown level %q", s)
	}
}

// IsCorrupt reports whether err means the file exists but does not match.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrHashMismatch)
}

// File verifies the file at path against b at the given level. The checksum and
// hash are computed in a single read pass.
func File(path string, b manifest.BundleRecord, algo manifest.HashAlgorithm, level Level) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotExist
	}
	if level <= LevelExistence {
		return nil
	}
	if info.Size() != b.Size {
		return fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, info.Size(), b.Size)
	}
	if level <= LevelSize {
		return nil
	}

	crc := crc32.NewIEEE()
	writers := []io.Writer{crc}
	var hv verifier
	if level >= LevelHash {
		hv, err = newVerifier(algo, b.Hash)
		if err != nil {
			return err
		}
		writers = append(writers, hv)
	}

	f, err := os.Open(path) //nolint:gosec // path is derived from the cache root and a manifest file name
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}

	if b.Checksum != "" {
		if got := strconv.FormatUint(uint64(crc.Sum32()), 10); got != b.Checksum {
			return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, b.Checksum)
		}
	}
	if hv != nil && !hv.Verified() {
		return ErrHashMismatch
	}
	return nil
}

// Sum returns the hex content hash of data.
func Sum(algo manifest.HashAlgorithm, data []byte) string {
	if algo == manifest.BLAKE3 {
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
	return digest.SHA256.FromBytes(data).Encoded()
}

// Checksum returns the decimal CRC-32 (IEEE) of data.
func Checksum(data []byte) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE(data)), 10)
}

// verifier matches go-digest's Verifier.
type verifier interface {
	io.Writer
	Verified() bool
}

func newVerifier(algo manifest.HashAlgorithm, encoded string) (verifier, error) {
	encoded = strings.ToLower(encoded)
	switch algo {
	case "", manifest.SHA256:
		d := digest.NewDigestFromEncoded(digest.SHA256, encoded)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		return d.Verifier(), nil
	case manifest.BLAKE3:
		want, err := hex.DecodeString(encoded)
		if err != nil || len(want) != 32 {
			return nil, fmt.Errorf("%w: blake3 %q", ErrInvalidHash, encoded)
		}
		return &blake3Verifier{hasher: blake3.New(), want: want}, nil
	default:
		return nil, fmt.Errorf("%w: algorithm %q", ErrInvalidHash, algo)
	}
}

type blake3Verifier struct {
	hasher *blake3.Hasher
	want   []byte
}

func (v *blake3Verifier) Write(p []byte) (int, error) {
	return v.hasher.Write(p)
}

func (v *blake3Verifier) Verified() bool {
	return hex.EncodeToString(v.hasher.Sum(nil)) == hex.EncodeToString(v.want)
}
