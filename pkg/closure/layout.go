package closure

import (
	"path"

	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

// Layout locates the parts of an installed interpreter.
type Layout struct {
	Prefix  string
	Version string
}

// LayoutFor returns the interpreter layout of a descriptor.
func LayoutFor(d *variant.Descriptor) (Layout, error) {
	if d.RuntimeName() != variant.DefaultRuntime {
		return Layout{}, errors.Errorf("unsupported runtime %q", d.RuntimeName())
	}
	return Layout{Prefix: d.Prefix(), Version: d.MajorMinor()}, nil
}

// StdlibDir is the standard library tree, e.g. /usr/local/lib/python3.9.
func (l Layout) StdlibDir() string {
	return path.Join(l.Prefix, "lib", "python"+l.Version)
}

// PackageRoot is the site-local package directory inside the standard
// library tree.
func (l Layout) PackageRoot() string {
	return path.Join(l.StdlibDir(), "site-packages")
}

// LibDir holds the interpreter's shared object.
func (l Layout) LibDir() string {
	return path.Join(l.Prefix, "lib")
}

// BinDir holds the interpreter and the executables registered by package
// installers.
func (l Layout) BinDir() string {
	return path.Join(l.Prefix, "bin")
}

// Interpreter is the versioned interpreter executable.
func (l Layout) Interpreter() string {
	return path.Join(l.BinDir(), "python"+l.Version)
}

// SharedObjectPrefix is the name prefix of the interpreter shared object and
// its development symlinks.
func (l Layout) SharedObjectPrefix() string {
	return "libpython" + l.Version + ".so"
}

// Aliases are unversioned names of the interpreter copied when present.
func (l Layout) Aliases() []string {
	return []string{path.Join(l.BinDir(), "python3")}
}
