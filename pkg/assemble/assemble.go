// Package assemble builds the runtime filesystem of a variant by copying its
// artifact closure onto a fresh copy of the runtime base.
package assemble

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/containerd/containerd/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pdtpartners/imagematrix/pkg/closure"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

const (
	// EnvLibrarySearchPath lists the directories of copied shared objects.
	EnvLibrarySearchPath = "LIBRARY_SEARCH_PATH"

	// EnvPackageSearchPath points at the copied package root.
	EnvPackageSearchPath = "PACKAGE_SEARCH_PATH"

	// EntrypointDir is where the entrypoint script is installed.
	EntrypointDir = "/usr/local/bin"

	// LabelVariant is the image label carrying the variant id.
	LabelVariant = "io.imagematrix.variant"

	defaultWorkingDir = "/app"
	defaultPath       = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// nativeEnv maps the portable search path variables to the ones the
// interpreter and the dynamic linker read.
var nativeEnv = map[string]string{
	EnvLibrarySearchPath: "LD_LIBRARY_PATH",
	EnvPackageSearchPath: "PYTHONPATH",
}

// TaggedImage is the assembled runtime image of one variant.
type TaggedImage struct {
	ID   string
	Tags []string

	// Tree is the complete runtime filesystem.
	Tree *fstree.Tree

	// Layer holds only the paths added or changed on top of the runtime
	// base.
	Layer *fstree.Tree

	Config  ocispec.ImageConfig
	Closure *closure.Closure
}

// Assembler assembles runtime images.
type Assembler struct {
	contextDir string
	workingDir string
}

// Opt configures an Assembler.
type Opt func(*Assembler)

// WithContextDir sets the directory relative entrypoint scripts are read
// from.
func WithContextDir(dir string) Opt {
	return func(a *Assembler) {
		a.contextDir = dir
	}
}

// WithWorkingDir sets the working directory used when a descriptor does not
// declare one.
func WithWorkingDir(dir string) Opt {
	return func(a *Assembler) {
		a.workingDir = dir
	}
}

// New returns an assembler.
func New(opts ...Opt) *Assembler {
	a := &Assembler{
		contextDir: ".",
		workingDir: defaultWorkingDir,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble copies every closure entry from the build tree into a copy of
// runtimeBase at the same path, installs the entrypoint script and computes
// the image configuration. A closure source missing from the build tree is an
// AssemblyError.
func (a *Assembler) Assemble(ctx context.Context, runtimeBase *fstree.Tree, bt *stage.BuildTree, c *closure.Closure) (img *TaggedImage, err error) {
	d := bt.Descriptor
	defer func() {
		err = variant.Attribute(err, d.ID)
	}()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("variant", d.ID))

	tree := runtimeBase.Clone()
	for _, dir := range c.Directives {
		if err := copyDirective(tree, bt.Tree, dir); err != nil {
			return nil, &variant.AssemblyError{Path: dir.Source, Err: err}
		}
	}

	script, err := a.readEntrypoint(d.EntrypointScript)
	if err != nil {
		return nil, &variant.AssemblyError{Path: d.EntrypointScript, Err: err}
	}
	entrypoint := path.Join(EntrypointDir, path.Base(filepath.ToSlash(d.EntrypointScript)))
	if err := tree.WriteFile(entrypoint, script, 0o755); err != nil {
		return nil, &variant.AssemblyError{Path: entrypoint, Err: err}
	}

	workingDir := d.WorkingDir
	if workingDir == "" {
		workingDir = a.workingDir
	}
	if err := tree.Mkdir(workingDir, 0o755); err != nil {
		return nil, &variant.AssemblyError{Path: workingDir, Err: err}
	}

	layer, err := tree.Subset(tree.Diff(runtimeBase))
	if err != nil {
		return nil, &variant.AssemblyError{Path: "/", Err: err}
	}

	layout, err := closure.LayoutFor(d)
	if err != nil {
		return nil, &variant.AssemblyError{Path: d.Prefix(), Err: err}
	}

	img = &TaggedImage{
		ID:    d.ID,
		Tags:  d.ImageTags(),
		Tree:  tree,
		Layer: layer,
		Config: ocispec.ImageConfig{
			Entrypoint: []string{entrypoint},
			Env:        Environment(c, layout),
			WorkingDir: workingDir,
			Labels: map[string]string{
				LabelVariant: d.ID,
			},
		},
		Closure: c,
	}

	log.G(ctx).WithField("layer", layer.Len()).Info("Assembled runtime image")
	return img, nil
}

// Environment returns the image environment of a closure, sorted by
// variable name.
func Environment(c *closure.Closure, l closure.Layout) []string {
	vars := map[string]string{
		EnvLibrarySearchPath: strings.Join(c.LibraryDirs, ":"),
		EnvPackageSearchPath: c.PackageRoot,
		"PATH":               searchPath(l.BinDir(), defaultPath),
	}
	for portable, native := range nativeEnv {
		vars[native] = vars[portable]
	}

	env := make([]string, 0, len(vars))
	for _, name := range []string{
		"LD_LIBRARY_PATH",
		EnvLibrarySearchPath,
		EnvPackageSearchPath,
		"PATH",
		"PYTHONPATH",
	} {
		env = append(env, name+"="+vars[name])
	}
	return env
}

// searchPath prepends dir to list unless it is already part of it.
func searchPath(dir, list string) string {
	for _, p := range strings.Split(list, ":") {
		if p == dir {
			return list
		}
	}
	return dir + ":" + list
}

func (a *Assembler) readEntrypoint(script string) ([]byte, error) {
	p := script
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.contextDir, p)
	}
	return os.ReadFile(p)
}

func copyDirective(dst, src *fstree.Tree, d closure.Directive) error {
	e, ok := src.Get(d.Source)
	if !ok {
		return errors.Wrapf(fs.ErrNotExist, "closure source %q", d.Source)
	}

	switch d.Kind {
	case closure.KindTree:
		if e.Kind != fstree.Dir {
			return errors.Errorf("closure source %q is a %s, not a directory", d.Source, e.Kind)
		}
		return dst.Copy(src, d.Source, d.Dest, d.Exclude...)
	case closure.KindSymlink:
		if e.Kind != fstree.Symlink {
			return errors.Errorf("closure source %q is a %s, not a symlink", d.Source, e.Kind)
		}
	default:
		if e.Kind != fstree.Regular {
			return errors.Errorf("closure source %q is a %s, not a file", d.Source, e.Kind)
		}
	}
	return dst.Copy(src, d.Source, d.Dest)
}
