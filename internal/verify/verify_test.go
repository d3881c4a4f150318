package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/manifest"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func record(algo manifest.HashAlgorithm, data []byte) manifest.BundleRecord {
	return manifest.BundleRecord{
		Name:     "a.bundle",
		Hash:     Sum(algo, data),
		Checksum: Checksum(data),
		Size:     int64(len(data)),
	}
}

func TestFile_Levels(t *testing.T) {
	t.Parallel()

	data := []byte("bundle payload")
	path := writeFile(t, data)

	for _, algo := range []manifest.HashAlgorithm{manifest.SHA256, manifest.BLAKE3} {
		good := record(algo, data)
		for level := LevelExistence; level <= LevelHash; level++ {
			assert.NoError(t, File(path, good, algo, level), "%s/%s", algo, level)
		}

		wrongSize := good
		wrongSize.Size++
		assert.NoError(t, File(path, wrongSize, algo, LevelExistence))
		assert.ErrorIs(t, File(path, wrongSize, algo, LevelSize), ErrSizeMismatch)

		wrongCRC := good
		wrongCRC.Checksum = "1"
		assert.NoError(t, File(path, wrongCRC, algo, LevelSize))
		assert.ErrorIs(t, File(path, wrongCRC, algo, LevelChecksum), ErrChecksumMismatch)

		wrongHash := good
		wrongHash.Hash = Sum(algo, []byte("other"))
		assert.NoError(t, File(path, wrongHash, algo, LevelChecksum))
		err := File(path, wrongHash, algo, LevelHash)
		assert.ErrorIs(t, err, ErrHashMismatch)
		assert.True(t, IsCorrupt(err))
	}
}

func TestFile_Missing(t *testing.T) {
	t.Parallel()

	err := File(filepath.Join(t.TempDir(), "missing"), manifest.BundleRecord{}, manifest.SHA256, LevelExistence)
	require.ErrorIs(t, err, ErrNotExist)
	assert.False(t, IsCorrupt(err))
}

func TestFile_InvalidHash(t *testing.T) {
	t.Parallel()

	data := []byte("x")
	path := writeFile(t, data)
	rec := record(manifest.SHA256, data)
	rec.Hash = "not-hex"
	require.ErrorIs(t, File(path, rec, manifest.SHA256, LevelHash), ErrInvalidHash)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for level := LevelExistence; level <= LevelHash; level++ {
		got, err := ParseLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, got)
	}
	_, err := ParseLevel("paranoid")
	require.Error(t, err)
}
