package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/devserver"
	"github.com/meigma/bundle/internal/testutil"
)

func TestLoadConfig_FlagsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\npackages:\n  - name: base\n    host: http://a\n"), 0o600))

	f, err := parseFlags([]string{"-c", path, "--workers", "6", "-p", "dlc", "--host", "http://b", "--tags", "x,y"})
	require.NoError(t, err)
	cfg, err := loadConfig(f)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Workers)
	require.Len(t, cfg.Packages, 2)
	assert.Equal(t, "dlc", cfg.Packages[1].Name)
	assert.Equal(t, []string{"x", "y"}, cfg.Packages[1].Tags)
}

func TestLoadConfig_NoPackages(t *testing.T) {
	f, err := parseFlags(nil)
	require.NoError(t, err)
	_, err = loadConfig(f)
	require.Error(t, err)
}

func TestRun_SyncAndOffline(t *testing.T) {
	dir := t.TempDir()
	pkg := testutil.NewPackage(t, "game", "v1",
		testutil.File{Name: "base.bundle", Data: testutil.Payload(300, 1)},
		testutil.File{Name: "hd.bundle", Data: testutil.Payload(900, 2), Tags: []string{"hd"}},
	)
	require.NoError(t, devserver.Publish(dir, pkg.Manifest, pkg.Data))
	ds, err := devserver.New(dir)
	require.NoError(t, err)
	srv := httptest.NewServer(ds)
	defer srv.Close()

	cacheDir := t.TempDir()
	state := filepath.Join(t.TempDir(), "state.db")
	stale := testutil.WriteFile(t, cacheDir, "stale.bundle", []byte("old"))

	require.NoError(t, run([]string{
		"--cache-dir", cacheDir, "--state-file", state,
		"-p", "game", "--host", srv.URL, "--clear", "--check",
	}))
	for _, b := range pkg.Manifest.Bundles() {
		assert.FileExists(t, filepath.Join(cacheDir, b.FileName()))
	}
	assert.NoFileExists(t, stale)

	srv.Close()
	require.NoError(t, run([]string{
		"--cache-dir", cacheDir, "--state-file", state,
		"-p", "game", "--host", srv.URL, "--offline",
	}))
}

func TestRun_ClearAll(t *testing.T) {
	dir := t.TempDir()
	pkg := testutil.NewPackage(t, "game", "v1",
		testutil.File{Name: "base.bundle", Data: testutil.Payload(300, 1)},
	)
	require.NoError(t, devserver.Publish(dir, pkg.Manifest, pkg.Data))
	ds, err := devserver.New(dir)
	require.NoError(t, err)
	srv := httptest.NewServer(ds)
	defer srv.Close()

	cacheDir := t.TempDir()
	state := filepath.Join(cacheDir, "state.db")
	args := []string{"--cache-dir", cacheDir, "--state-file", state, "-p", "game", "--host", srv.URL}
	require.NoError(t, run(args))

	partial := testutil.WriteFile(t, cacheDir, "dlc.bundle.temp", []byte("part"))
	require.NoError(t, run(append(args, "--clear-all")))

	assert.NoFileExists(t, partial)
	assert.FileExists(t, state)
	for _, b := range pkg.Manifest.Bundles() {
		assert.FileExists(t, filepath.Join(cacheDir, b.FileName()))
	}
}
