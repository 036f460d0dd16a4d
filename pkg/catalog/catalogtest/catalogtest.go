// Package catalogtest provides a catalog of Alpine and Debian based Python
// images for exercising the build pipeline without a container runtime.
package catalogtest

import (
	_ "embed"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdtpartners/imagematrix/pkg/catalog"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/catalog.toml
var fixture []byte

// EntrypointScript is the content of the entrypoint written by WriteContext.
const EntrypointScript = "#!/bin/sh\nexec app-server \"$@\"\n"

// Catalog returns the fixture catalog.
func Catalog(t testing.TB) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Parse(fixture, ".toml")
	require.NoError(t, err)
	return c
}

// Backend returns a backend serving the fixture catalog.
func Backend(t testing.TB) *catalog.Backend {
	return catalog.New(Catalog(t))
}

// WriteContext creates a build context directory holding the entrypoint
// script used by the fixture descriptors.
func WriteContext(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "docker-entrypoint.sh"), []byte(EntrypointScript), 0o755)
	require.NoError(t, err)
	return dir
}

// Alpine returns a Python 3.9 variant built on python:3.9-alpine that links
// the application against OpenSSL and ships it on alpine:3.18, which lacks
// libssl.
func Alpine() variant.Descriptor {
	return variant.Descriptor{
		ID:                 "py3.9-alpine",
		BuildBase:          "python:3.9-alpine",
		RuntimeBase:        "alpine:3.18",
		InterpreterVersion: "3.9",
		NativePackages: []variant.Pin{
			{Name: "gcc"},
			{Name: "musl-dev"},
			{Name: "openssl-dev"},
		},
		ToolchainPackages: []variant.Pin{
			{Name: "setuptools", Version: "68.2.2"},
			{Name: "requests", Version: "2.31.0"},
		},
		EcosystemPackages: []variant.Pin{
			{Name: "app", Version: "2.x"},
		},
		Application:      "app",
		EntrypointScript: "docker-entrypoint.sh",
	}
}

// Debian returns the Python 3.11 counterpart of Alpine on Debian bookworm.
func Debian() variant.Descriptor {
	d := Alpine()
	d.ID = "py3.11-debian"
	d.BuildBase = "python:3.11-slim-bookworm"
	d.RuntimeBase = "debian:bookworm-slim"
	d.InterpreterVersion = "3.11"
	d.NativePackages = []variant.Pin{{Name: "gcc"}, {Name: "openssl-dev"}}
	return d
}

// FooApp returns an Alpine variant whose application links against libfoo,
// which both native packages first and second provide.
func FooApp(first, second string) variant.Descriptor {
	d := Alpine()
	d.ID = "fooapp-" + first
	d.NativePackages = []variant.Pin{{Name: first}, {Name: second}}
	d.ToolchainPackages = nil
	d.EcosystemPackages = []variant.Pin{{Name: "fooapp", Version: "0.1.0"}}
	d.Application = "fooapp"
	return d
}

// WriteCatalog writes the fixture catalog to a temporary file and returns its
// path.
func WriteCatalog(t testing.TB) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(p, fixture, 0o644))
	return p
}
