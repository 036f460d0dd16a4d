// Package stage provisions the build environment of one variant and installs
// its dependencies into it, producing the build tree the closure resolver
// works on.
package stage

import (
	"context"

	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/variant"
)

// Backend provisions build environments and reads runtime base images.
type Backend interface {
	// Provision starts a fresh build environment from the descriptor's build
	// base. The caller must Close the returned session.
	Provision(ctx context.Context, d *variant.Descriptor) (Session, error)

	// RuntimeBase returns the filesystem of a runtime base image.
	RuntimeBase(ctx context.Context, ref string) (*fstree.Tree, error)
}

// Session is one provisioned build environment.
type Session interface {
	// Libc returns the libc family the environment was built against.
	Libc(ctx context.Context) (variant.Libc, error)

	// InstallNative installs one OS package and returns the paths the
	// package manager attributes to it.
	InstallNative(ctx context.Context, pin variant.Pin) ([]string, error)

	// InstallEcosystem installs language packages in the given order.
	InstallEcosystem(ctx context.Context, pins []variant.Pin) error

	// Executables lists the non-directory entries directly inside dir whose
	// names start with namePrefix, sorted.
	Executables(ctx context.Context, dir, namePrefix string) ([]string, error)

	// Snapshot returns the current filesystem of the environment.
	Snapshot(ctx context.Context) (*fstree.Tree, error)

	Close() error
}

// BuildTree is the populated build filesystem of one variant together with
// what the executor learned while producing it.
type BuildTree struct {
	Descriptor *variant.Descriptor
	Tree       *fstree.Tree

	// Owners maps paths to the native package that installed them.
	Owners map[string]string

	// NativeOrder is the declared install order of native packages.
	NativeOrder []string

	// Entrypoints are the executables registered by the application
	// installer.
	Entrypoints []string
}
