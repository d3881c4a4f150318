//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/bundle"
	"github.com/meigma/bundle/internal/devserver"
	"github.com/meigma/bundle/internal/testutil"
	"github.com/meigma/bundle/operation"
)

const webRoot = "/usr/share/nginx/html"

// --- Web Server Container Setup ---

var (
	serverOnce sync.Once
	server     testcontainers.Container
	serverURL  string
	serverErr  error
)

// getServer returns the shared nginx container and its base URL, starting it
// if needed.
func getServer(tb testing.TB) (testcontainers.Container, string) {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	serverOnce.Do(func() {
		server, serverURL, serverErr = startServerContainer(context.Background())
	})
	if serverErr != nil {
		tb.Fatalf("start web server container: %v", serverErr)
	}
	return server, serverURL
}

func startServerContainer(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		WaitingFor:   wait.ForHTTP("/").WithPort("80/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start nginx container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("resolve nginx host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80/tcp")
	if err != nil {
		return nil, "", fmt.Errorf("resolve nginx port: %w", err)
	}
	return container, fmt.Sprintf("http://%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// --- Publishing ---

// publish writes a package's version file, manifest and bundles under
// /<prefix>/ on the server and returns the package host URL.
func publish(tb testing.TB, prefix string, pkg *testutil.Package) string {
	tb.Helper()

	container, base := getServer(tb)
	dir := tb.TempDir()
	require.NoError(tb, devserver.Publish(dir, pkg.Manifest, pkg.Data))
	copyDir(tb, container, dir, path.Join(webRoot, prefix))
	return base + "/" + prefix
}

func copyDir(tb testing.TB, container testcontainers.Container, dir, dst string) {
	tb.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(tb, err)
	ctx := context.Background()
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(tb, err)
		require.NoError(tb, container.CopyToContainer(ctx, data, path.Join(dst, e.Name()), 0o644))
	}
}

// removeFile deletes a published file so requests for it return 404.
func removeFile(tb testing.TB, prefix, name string) {
	tb.Helper()

	container, _ := getServer(tb)
	code, _, err := container.Exec(context.Background(), []string{"rm", "-f", path.Join(webRoot, prefix, name)})
	require.NoError(tb, err)
	require.Zero(tb, code)
}

// --- System Factory ---

func newSystem(tb testing.TB, opts ...bundle.Option) *bundle.System {
	tb.Helper()

	opts = append([]bundle.Option{bundle.WithCacheDir(tb.TempDir())}, opts...)
	sys, err := bundle.New(opts...)
	require.NoError(tb, err, "create system")
	tb.Cleanup(func() { _ = sys.Close() })
	return sys
}

func runOp(tb testing.TB, sys *bundle.System, h *operation.Handle) error {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sys.Run(ctx, h)
}

// --- Test Data ---

func gamePackage(tb testing.TB, version string) *testutil.Package {
	tb.Helper()
	return testutil.NewPackage(tb, "game", version,
		testutil.File{Name: "base.bundle", Data: testutil.Payload(64<<10, 1)},
		testutil.File{Name: "hd.bundle", Data: testutil.Payload(3<<20, 2), Tags: []string{"hd"}},
		testutil.File{Name: "ui.bundle", Data: testutil.Payload(8<<10, 3), Tags: []string{"ui"}},
	)
}

func assertCached(tb testing.TB, sys *bundle.System, pkg *testutil.Package) {
	tb.Helper()
	for _, b := range pkg.Manifest.Bundles() {
		got, err := os.ReadFile(sys.Cache().Path(b))
		require.NoError(tb, err, b.Name)
		require.True(tb, bytes.Equal(pkg.Bytes(b), got), "content mismatch for %s", b.Name)
	}
}
