//go:build integration

// Package integration runs the bundle system against a real web server.
//
// These tests require Docker and serve published packages from an nginx
// container using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
