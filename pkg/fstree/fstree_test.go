package fstree

import (
	"archive/tar"
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdtpartners/imagematrix/pkg/linkage"
	"github.com/pdtpartners/imagematrix/pkg/testutil"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func sampleTree(t *testing.T) *Tree {
	tree := New()
	require.NoError(t, tree.Mkdir("/usr/lib", 0o755))
	require.NoError(t, tree.Symlink("usr/lib", "/lib"))
	require.NoError(t, tree.WriteFile("/usr/lib/libssl.so.3", []byte("ssl"), 0o644))
	require.NoError(t, tree.Symlink("libssl.so.3", "/usr/lib/libssl.so"))
	require.NoError(t, tree.Symlink("/loop/b", "/loop/a"))
	require.NoError(t, tree.Symlink("/loop/a", "/loop/b"))
	return tree
}

func TestResolve(t *testing.T) {
	type testCase struct {
		name     string
		path     string
		expected string
		err      error
	}

	tree := sampleTree(t)
	for _, tc := range []testCase{
		{"plain", "/usr/lib/libssl.so.3", "/usr/lib/libssl.so.3", nil},
		{"relative_link", "/usr/lib/libssl.so", "/usr/lib/libssl.so.3", nil},
		{"symlinked_parent", "/lib/libssl.so", "/usr/lib/libssl.so.3", nil},
		{"dot_components", "/lib/../usr/./lib", "/usr/lib", nil},
		{"missing", "/lib/libcrypto.so.3", "", fs.ErrNotExist},
		{"file_as_dir", "/usr/lib/libssl.so.3/x", "", ErrNotDir},
		{"loop", "/loop/a", "", ErrSymlinkLoop},
	} {
		t.Run(tc.name, func(t *testing.T) {
			real, _, err := tree.Resolve(tc.path)
			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, real)
		})
	}
}

func TestPutFollowsSymlinkedDirs(t *testing.T) {
	tree := sampleTree(t)

	require.NoError(t, tree.WriteFile("/lib/libz.so.1", []byte("z"), 0o644))
	_, ok := tree.Get("/usr/lib/libz.so.1")
	require.True(t, ok)
	_, ok = tree.Get("/lib/libz.so.1")
	require.False(t, ok)
}

func TestPutReplacesDirectory(t *testing.T) {
	tree := New()
	require.NoError(t, tree.WriteFile("/opt/a/b", []byte("b"), 0o644))
	require.NoError(t, tree.WriteFile("/opt/a", []byte("a"), 0o644))

	testutil.IsIdentical(t, tree.Paths(), []string{"/", "/opt", "/opt/a"})
}

func TestCopy(t *testing.T) {
	src := New()
	require.NoError(t, src.WriteFile("/usr/local/lib/python3.9/os.py", []byte("os"), 0o644))
	require.NoError(t, src.WriteFile("/usr/local/lib/python3.9/json/__init__.py", []byte("json"), 0o644))
	require.NoError(t, src.Symlink("python3.9", "/usr/local/bin/python3"))

	dst := New()
	require.NoError(t, dst.Copy(src, "/usr/local/lib/python3.9", "/usr/local/lib/python3.9"))
	require.NoError(t, dst.Copy(src, "/usr/local/bin/python3", "/usr/local/bin/python3"))

	testutil.IsIdentical(t, dst.Paths(), []string{
		"/",
		"/usr",
		"/usr/local",
		"/usr/local/bin",
		"/usr/local/bin/python3",
		"/usr/local/lib",
		"/usr/local/lib/python3.9",
		"/usr/local/lib/python3.9/json",
		"/usr/local/lib/python3.9/json/__init__.py",
		"/usr/local/lib/python3.9/os.py",
	})

	e, ok := dst.Get("/usr/local/bin/python3")
	require.True(t, ok)
	require.Equal(t, Symlink, e.Kind)
	require.Equal(t, "python3.9", e.Target)

	// Copies are independent of the source.
	e, _ = dst.Get("/usr/local/lib/python3.9/os.py")
	e.Data[0] = 'X'
	se, _ := src.Get("/usr/local/lib/python3.9/os.py")
	require.Equal(t, "os", string(se.Data))

	err := dst.Copy(src, "/missing", "/missing")
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestCloneAndDiff(t *testing.T) {
	base := sampleTree(t)
	tree := base.Clone()

	require.NoError(t, tree.WriteFile("/usr/lib/libssl.so.3", []byte("ssl-3.1"), 0o644))
	require.NoError(t, tree.WriteFile("/app/run.sh", []byte("#!/bin/sh"), 0o755))
	require.Empty(t, base.Diff(base.Clone()))

	testutil.IsIdentical(t, tree.Diff(base), []string{"/app", "/app/run.sh", "/usr/lib/libssl.so.3"})

	e, _ := base.Get("/usr/lib/libssl.so.3")
	require.Equal(t, "ssl", string(e.Data))

	// Mutating a cloned entry in place leaves the source untouched.
	_, err := base.Put("/usr/lib/libcrypto.so.3", &Entry{
		Kind:    Regular,
		Mode:    0o644,
		Data:    []byte("crypto"),
		Linkage: &linkage.Info{Soname: "libcrypto.so.3", Needed: []string{"libc.musl-x86_64.so.1"}},
	})
	require.NoError(t, err)
	clone := base.Clone()
	ce, _ := clone.Get("/usr/lib/libcrypto.so.3")
	ce.Data[0] = 'X'
	ce.Linkage.Needed[0] = "libc.so.6"

	be, _ := base.Get("/usr/lib/libcrypto.so.3")
	require.Equal(t, "crypto", string(be.Data))
	require.Equal(t, []string{"libc.musl-x86_64.so.1"}, be.Linkage.Needed)
}

func TestSubset(t *testing.T) {
	tree := sampleTree(t)
	sub, err := tree.Subset([]string{"/usr/lib/libssl.so.3"})
	require.NoError(t, err)
	testutil.IsIdentical(t, sub.Paths(), []string{"/", "/usr", "/usr/lib", "/usr/lib/libssl.so.3"})

	_, err = tree.Subset([]string{"/nope"})
	require.Error(t, err)
}

type tarEntry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

func writeTar(t *testing.T, entries []tarEntry) *bytes.Buffer {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestApplyTar(t *testing.T) {
	tree := New()

	lower := writeTar(t, []tarEntry{
		{name: "etc/", typeflag: tar.TypeDir},
		{name: "etc/os-release", typeflag: tar.TypeReg, body: "ID=alpine"},
		{name: "var/cache/apk/", typeflag: tar.TypeDir},
		{name: "var/cache/apk/APKINDEX", typeflag: tar.TypeReg, body: "index"},
		{name: "lib/", typeflag: tar.TypeDir},
		{name: "lib/ld-musl-x86_64.so.1", typeflag: tar.TypeReg, body: "ld"},
		{name: "lib/libc.musl-x86_64.so.1", typeflag: tar.TypeSymlink, linkname: "ld-musl-x86_64.so.1"},
		{name: "bin/busybox", typeflag: tar.TypeReg, body: "bb"},
		{name: "bin/sh", typeflag: tar.TypeLink, linkname: "bin/busybox"},
		{name: "dev/null", typeflag: tar.TypeChar},
	})
	require.NoError(t, tree.ApplyTar(lower))

	upper := writeTar(t, []tarEntry{
		{name: "etc/.wh.os-release", typeflag: tar.TypeReg},
		{name: "var/cache/apk/.wh..wh..opq", typeflag: tar.TypeReg},
		{name: "etc/motd", typeflag: tar.TypeReg, body: "hi"},
	})
	require.NoError(t, tree.ApplyTar(upper))

	testutil.IsIdentical(t, tree.Paths(), []string{
		"/",
		"/bin",
		"/bin/busybox",
		"/bin/sh",
		"/etc",
		"/etc/motd",
		"/lib",
		"/lib/ld-musl-x86_64.so.1",
		"/lib/libc.musl-x86_64.so.1",
		"/var",
		"/var/cache",
		"/var/cache/apk",
	})

	sh, ok := tree.Get("/bin/sh")
	require.True(t, ok)
	require.Equal(t, "bb", string(sh.Data))
	require.Equal(t, variant.LibcMusl, tree.Libc())
}

func TestApplyTarMissingHardlink(t *testing.T) {
	layer := writeTar(t, []tarEntry{
		{name: "bin/sh", typeflag: tar.TypeLink, linkname: "bin/busybox"},
	})
	require.Error(t, New().ApplyTar(layer))
}

func TestLibc(t *testing.T) {
	type testCase struct {
		name     string
		files    []string
		expected variant.Libc
	}

	for _, tc := range []testCase{
		{"empty", nil, variant.LibcUnknown},
		{"musl", []string{"/lib/ld-musl-aarch64.so.1"}, variant.LibcMusl},
		{"glibc", []string{"/lib64/ld-linux-x86-64.so.2"}, variant.LibcGlibc},
		{"glibc_arm", []string{"/lib/ld-linux-aarch64.so.1"}, variant.LibcGlibc},
		{"unrelated", []string{"/usr/lib/libz.so.1"}, variant.LibcUnknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tree := New()
			for _, f := range tc.files {
				require.NoError(t, tree.WriteFile(f, nil, 0o755))
			}
			require.Equal(t, tc.expected, tree.Libc())
		})
	}
}

func TestWriteDirLoadDir(t *testing.T) {
	tree := New()
	require.NoError(t, tree.WriteFile("/usr/local/bin/app-server", []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, tree.Symlink("app-server", "/usr/local/bin/app"))
	require.NoError(t, tree.Mkdir("/app", 0o755))

	root := t.TempDir()
	require.NoError(t, tree.WriteDir(root))

	target, err := os.Readlink(filepath.Join(root, "usr/local/bin/app"))
	require.NoError(t, err)
	require.Equal(t, "app-server", target)

	loaded, err := LoadDir(root)
	require.NoError(t, err)
	require.Empty(t, loaded.Diff(tree))
	require.Empty(t, tree.Diff(loaded))
}

func TestReadLinkage(t *testing.T) {
	declared := &linkage.Info{Needed: []string{"libssl.so.3"}}
	e := &Entry{Kind: Regular, Data: []byte("not elf"), Linkage: declared}
	info, err := e.ReadLinkage()
	require.NoError(t, err)
	require.Equal(t, declared, info)

	_, err = (&Entry{Kind: Regular, Data: []byte("#!/bin/sh")}).ReadLinkage()
	require.True(t, errors.Is(err, linkage.ErrNotELF))

	_, err = (&Entry{Kind: Symlink, Target: "x"}).ReadLinkage()
	require.True(t, errors.Is(err, linkage.ErrNotELF))
}
