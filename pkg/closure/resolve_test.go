package closure_test

import (
	"context"
	"testing"

	"github.com/pdtpartners/imagematrix/pkg/catalog/catalogtest"
	"github.com/pdtpartners/imagematrix/pkg/closure"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/testutil"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, d variant.Descriptor) (*stage.BuildTree, *fstree.Tree) {
	t.Helper()
	ctx := context.Background()
	backend := catalogtest.Backend(t)

	bt, err := stage.NewExecutor(backend).Execute(ctx, &d)
	require.NoError(t, err)
	runtime, err := backend.RuntimeBase(ctx, d.RuntimeBase)
	require.NoError(t, err)
	return bt, runtime
}

func TestResolveAlpine(t *testing.T) {
	bt, runtime := build(t, catalogtest.Alpine())
	c, err := closure.Resolve(context.Background(), bt, runtime)
	require.NoError(t, err)

	require.Equal(t, "py3.9-alpine", c.Variant)
	require.Equal(t, "/usr/local/lib/python3.9/site-packages", c.PackageRoot)

	testutil.IsIdentical(t, c.Destinations(closure.CategoryInterpreter), []string{
		"/usr/local/bin/python3",
		"/usr/local/bin/python3.9",
		"/usr/local/lib/libpython3.9.so",
		"/usr/local/lib/libpython3.9.so.1.0",
		"/usr/local/lib/python3.9",
	})
	testutil.IsIdentical(t, c.Destinations(closure.CategorySharedObject), []string{
		"/usr/lib/libcrypto.so.3",
		"/usr/lib/libssl.so.3",
	})
	testutil.IsIdentical(t, c.Destinations(closure.CategoryPackages), []string{
		"/usr/local/lib/python3.9/site-packages",
	})
	testutil.IsIdentical(t, c.Destinations(closure.CategoryExecutable), []string{
		"/usr/local/bin/app-server",
		"/usr/local/bin/app-worker",
	})
	testutil.IsIdentical(t, c.LibraryDirs, []string{"/usr/lib", "/usr/local/lib"})

	stdlib, ok := c.Directive("/usr/local/lib/python3.9")
	require.True(t, ok)
	require.Equal(t, closure.KindTree, stdlib.Kind)
	testutil.IsIdentical(t, stdlib.Exclude, []string{"/usr/local/lib/python3.9/site-packages"})

	ssl, ok := c.Directive("/usr/lib/libssl.so.3")
	require.True(t, ok)
	require.Equal(t, "openssl-dev", ssl.Owner)

	// Libraries the runtime base already ships identically are not copied.
	_, ok = c.Directive("/lib/libz.so.1.2.13")
	require.False(t, ok)
	_, ok = c.Directive("/lib/ld-musl-x86_64.so.1")
	require.False(t, ok)

	for _, d := range c.Directives {
		require.NotContains(t, []string{"/usr/bin/gcc", "/usr/bin/cc", "/usr/bin/ld", "/usr/include"}, d.Dest)
	}
}

func TestResolveDebian(t *testing.T) {
	bt, runtime := build(t, catalogtest.Debian())
	c, err := closure.Resolve(context.Background(), bt, runtime)
	require.NoError(t, err)

	testutil.IsIdentical(t, c.Destinations(closure.CategorySharedObject), []string{
		"/usr/lib/x86_64-linux-gnu/libcrypto.so.3",
		"/usr/lib/x86_64-linux-gnu/libssl.so.3",
	})
	testutil.IsIdentical(t, c.LibraryDirs, []string{"/usr/lib/x86_64-linux-gnu", "/usr/local/lib"})

	_, ok := c.Directive("/usr/lib/x86_64-linux-gnu/libc.so.6")
	require.False(t, ok)
}

func TestResolveUnresolved(t *testing.T) {
	d := catalogtest.Alpine()
	d.NativePackages = []variant.Pin{{Name: "gcc"}, {Name: "musl-dev"}}

	bt, runtime := build(t, d)
	_, err := closure.Resolve(context.Background(), bt, runtime)
	require.ErrorIs(t, err, variant.ErrUnresolvedDependency)

	var ude *variant.UnresolvedDependencyError
	require.ErrorAs(t, err, &ude)
	require.Equal(t, "py3.9-alpine", ude.Variant)
	require.Equal(t, "libssl.so.3", ude.Library)
	require.Equal(t, "/usr/local/lib/python3.9/site-packages/app/_tls.so", ude.NeededBy)
}

func TestResolveRuntimeProvided(t *testing.T) {
	type testCase struct {
		name     string
		ssl      []byte
		expected []string
	}

	for _, tc := range []testCase{{
		name:     "identical",
		expected: nil,
	}, {
		name: "different",
		ssl:  []byte("libssl 3.0.0 musl"),
		expected: []string{
			"/usr/lib/libcrypto.so.3",
			"/usr/lib/libssl.so.3",
		},
	}} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			bt, runtime := build(t, catalogtest.Alpine())

			ssl, ok := bt.Tree.Get("/usr/lib/libssl.so.3")
			require.True(t, ok)
			if tc.ssl != nil {
				changed := *ssl
				changed.Data = tc.ssl
				ssl = &changed
			}
			_, err := runtime.Put("/usr/lib/libssl.so.3", ssl)
			require.NoError(t, err)

			c, err := closure.Resolve(context.Background(), bt, runtime)
			require.NoError(t, err)
			testutil.IsIdentical(t, c.Destinations(closure.CategorySharedObject), tc.expected)
		})
	}
}

func TestResolveNativeOrder(t *testing.T) {
	type testCase struct {
		name     string
		first    string
		second   string
		shared   []string
		expected []string
	}

	for _, tc := range []testCase{{
		name:   "a_first",
		first:  "libfoo-a",
		second: "libfoo-b",
		shared: []string{
			"/opt/foo-a/lib/libfoo-a-util.so.1",
			"/opt/foo-a/lib/libfoo.so.1",
			"/opt/foo-b/lib/libfoo-b-util.so.1",
		},
		expected: []string{"/opt/foo-a/lib", "/opt/foo-b/lib", "/usr/local/lib"},
	}, {
		name:   "b_first",
		first:  "libfoo-b",
		second: "libfoo-a",
		shared: []string{
			"/opt/foo-a/lib/libfoo-a-util.so.1",
			"/opt/foo-b/lib/libfoo-b-util.so.1",
			"/opt/foo-b/lib/libfoo.so.1",
		},
		expected: []string{"/opt/foo-b/lib", "/opt/foo-a/lib", "/usr/local/lib"},
	}} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			bt, runtime := build(t, catalogtest.FooApp(tc.first, tc.second))
			c, err := closure.Resolve(context.Background(), bt, runtime)
			require.NoError(t, err)

			testutil.IsIdentical(t, c.LibraryDirs, tc.expected)
			testutil.IsIdentical(t, c.Destinations(closure.CategorySharedObject), tc.shared)
			testutil.IsIdentical(t, c.Destinations(closure.CategoryExecutable), []string{"/usr/local/bin/fooapp"})
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	bt, runtime := build(t, catalogtest.Alpine())
	first, err := closure.Resolve(context.Background(), bt, runtime)
	require.NoError(t, err)

	bt2, runtime2 := build(t, catalogtest.Alpine())
	second, err := closure.Resolve(context.Background(), bt2, runtime2)
	require.NoError(t, err)

	testutil.IsIdentical(t, first, second)
}

func TestResolveToolchainGuard(t *testing.T) {
	bt, runtime := build(t, catalogtest.Alpine())
	bt.Entrypoints = append(bt.Entrypoints, "/usr/bin/gcc")

	_, err := closure.Resolve(context.Background(), bt, runtime)
	require.ErrorIs(t, err, variant.ErrBuild)
	require.ErrorIs(t, err, closure.ErrToolchainPath)
}

func TestResolveMissingInterpreter(t *testing.T) {
	d := catalogtest.Alpine()
	bt, runtime := build(t, d)
	bt.Descriptor = &variant.Descriptor{ID: d.ID, InterpreterVersion: "3.12", Application: d.Application}

	_, err := closure.Resolve(context.Background(), bt, runtime)
	require.ErrorIs(t, err, variant.ErrUnresolvedDependency)
}
