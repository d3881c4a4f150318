package devserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/bundle/internal/testutil"
	"github.com/meigma/bundle/manifest"
)

func get(t *testing.T, srv *httptest.Server, path, rangeHeader string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, http.NoBody)
	require.NoError(t, err)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_ServesRanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "a.bundle", []byte("0123456789"))
	testutil.WriteFile(t, dir, "b.bundle.temp", []byte("partial"))

	s, err := New(dir)
	require.NoError(t, err)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, body := get(t, srv, "/a.bundle", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", body)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, body = get(t, srv, "/a.bundle", "bytes=6-")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "6789", body)
	assert.Equal(t, "bytes 6-9/10", resp.Header.Get("Content-Range"))

	resp, _ = get(t, srv, "/b.bundle.temp", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv, "/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WithoutRanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteFile(t, dir, "a.bundle", []byte("0123456789"))
	s, err := New(dir, WithoutRanges())
	require.NoError(t, err)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, body := get(t, srv, "/a.bundle", "bytes=6-")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", body)
}

func TestNew_RejectsFile(t *testing.T) {
	t.Parallel()

	path := testutil.WriteFile(t, t.TempDir(), "file", []byte("x"))
	_, err := New(path)
	require.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	pkg := testutil.NewPackage(t, "game", "v7",
		testutil.File{Name: "a.bundle", Data: []byte("aaa")},
	)
	dir := t.TempDir()
	require.NoError(t, Publish(dir, pkg.Manifest, pkg.Data))

	version, err := os.ReadFile(filepath.Join(dir, manifest.VersionFileName("game")))
	require.NoError(t, err)
	assert.Equal(t, "v7", strings.TrimSpace(string(version)))

	payload, err := os.ReadFile(filepath.Join(dir, manifest.ManifestFileName("game", "v7")))
	require.NoError(t, err)
	m, err := manifest.Deserialize(payload)
	require.NoError(t, err)
	assert.Equal(t, pkg.Manifest.Bundles(), m.Bundles())

	b := pkg.Bundle(t, "a.bundle")
	assert.FileExists(t, filepath.Join(dir, b.FileName()))
}
