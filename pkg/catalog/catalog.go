// Package catalog implements a hermetic build backend driven by a declarative
// description of base images and packages. It never touches the network or a
// container runtime, which makes it suitable for planning a matrix and for
// exercising the pipeline in tests.
package catalog

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/linkage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EcosystemNative is the ecosystem of OS packages.
const EcosystemNative = "native"

// Catalog describes the images and packages a backend can serve.
type Catalog struct {
	Images   []Image   `toml:"image" yaml:"image"`
	Packages []Package `toml:"package" yaml:"package"`

	// dir resolves relative image root filesystems. Empty for parsed
	// documents, which resolve them against the working directory.
	dir string
}

// Image is a base image. Install lists catalog packages that are part of
// the image, installed in order on top of Files.
type Image struct {
	Ref string `toml:"ref" yaml:"ref"`

	// Rootfs is a host directory the image tree starts from, relative to the
	// catalog document.
	Rootfs  string        `toml:"rootfs,omitempty" yaml:"rootfs,omitempty"`
	Libc    string        `toml:"libc,omitempty" yaml:"libc,omitempty"`
	Install []variant.Pin `toml:"install,omitempty" yaml:"install,omitempty"`
	Files   []File        `toml:"file,omitempty" yaml:"file,omitempty"`
}

// Package is one version of an installable package.
type Package struct {
	Name    string `toml:"name" yaml:"name"`
	Version string `toml:"version" yaml:"version"`

	// Ecosystem is "native" for OS packages or the runtime name, such as
	// "python", for language packages.
	Ecosystem string `toml:"ecosystem" yaml:"ecosystem"`

	// Libc restricts a native package to one libc family.
	Libc string `toml:"libc,omitempty" yaml:"libc,omitempty"`

	Requires []Requirement `toml:"requires,omitempty" yaml:"requires,omitempty"`
	Files    []File        `toml:"file,omitempty" yaml:"file,omitempty"`
}

// Requirement is a dependency on another package of the same ecosystem.
// Range uses semver range syntax, e.g. ">=2.0.0 <3.0.0". An empty range
// accepts any version.
type Requirement struct {
	Name  string `toml:"name" yaml:"name"`
	Range string `toml:"range,omitempty" yaml:"range,omitempty"`
}

// File is one filesystem entry of an image or package.
//
// Paths may use the placeholders {prefix}, {version} and {site}, which expand
// to the interpreter prefix, its major.minor version and its package root.
type File struct {
	Path    string `toml:"path" yaml:"path"`
	Mode    string `toml:"mode,omitempty" yaml:"mode,omitempty"`
	Content string `toml:"content,omitempty" yaml:"content,omitempty"`
	Link    string `toml:"link,omitempty" yaml:"link,omitempty"`
	Dir     bool   `toml:"dir,omitempty" yaml:"dir,omitempty"`

	Soname  string   `toml:"soname,omitempty" yaml:"soname,omitempty"`
	Needed  []string `toml:"needed,omitempty" yaml:"needed,omitempty"`
	RunPath []string `toml:"runpath,omitempty" yaml:"runpath,omitempty"`
	Interp  string   `toml:"interp,omitempty" yaml:"interp,omitempty"`
}

func (f File) linkage() *linkage.Info {
	if f.Soname == "" && len(f.Needed) == 0 && len(f.RunPath) == 0 && f.Interp == "" {
		return nil
	}
	return &linkage.Info{
		Soname:  f.Soname,
		Needed:  append([]string(nil), f.Needed...),
		RunPath: append([]string(nil), f.RunPath...),
		Interp:  f.Interp,
	}
}

func (f File) mode() (fs.FileMode, error) {
	if f.Mode == "" {
		if f.Dir {
			return 0o755, nil
		}
		return 0o644, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid mode %q of %q", f.Mode, f.Path)
	}
	return fs.FileMode(m).Perm(), nil
}

// Load reads a catalog document. Files ending in .yaml or .yml are decoded as
// YAML, everything else as TOML.
func Load(ctx context.Context, catalogPath string) (*Catalog, error) {
	dt, err := os.ReadFile(catalogPath)
	if err != nil {
		return nil, err
	}

	c, err := Parse(dt, filepath.Ext(catalogPath))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode catalog %q", catalogPath)
	}
	c.dir = filepath.Dir(catalogPath)

	log.G(ctx).WithField("path", catalogPath).Debugf("Loaded catalog with %d images and %d packages", len(c.Images), len(c.Packages))
	return c, nil
}

// Parse decodes a catalog document, ext selecting the format the same way
// Load does.
func Parse(dt []byte, ext string) (*Catalog, error) {
	var c Catalog
	var err error
	switch ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(dt))
		dec.KnownFields(true)
		err = dec.Decode(&c)
	default:
		err = toml.NewDecoder(bytes.NewReader(dt)).DisallowUnknownFields().Decode(&c)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// image returns the image with the given reference.
func (c *Catalog) image(ref string) (*Image, bool) {
	for i := range c.Images {
		if c.Images[i].Ref == ref {
			return &c.Images[i], true
		}
	}
	return nil, false
}

// rootfs returns the host path of an image root filesystem.
func (c *Catalog) rootfs(img *Image) string {
	if filepath.IsAbs(img.Rootfs) || c.dir == "" {
		return img.Rootfs
	}
	return filepath.Join(c.dir, img.Rootfs)
}

// candidates returns the versions of a package usable in the given ecosystem
// and libc family, newest first.
func (c *Catalog) candidates(ecosystem, name string, libc variant.Libc) []*Package {
	var out []*Package
	for i := range c.Packages {
		p := &c.Packages[i]
		if p.Name != name || p.Ecosystem != ecosystem {
			continue
		}
		if p.Libc != "" && libc != variant.LibcUnknown && variant.ParseLibc(p.Libc) != libc {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, erri := semver.ParseTolerant(out[i].Version)
		vj, errj := semver.ParseTolerant(out[j].Version)
		if erri != nil || errj != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GT(vj)
	})
	return out
}

// expander substitutes path placeholders for one interpreter layout.
func expander(d *variant.Descriptor) *strings.Replacer {
	prefix := d.Prefix()
	version := d.MajorMinor()
	site := prefix + "/lib/python" + version + "/site-packages"
	return strings.NewReplacer("{prefix}", prefix, "{version}", version, "{site}", site)
}

// writeFiles stores files in tree and returns the real paths written.
func writeFiles(tree *fstree.Tree, files []File, expand *strings.Replacer) ([]string, error) {
	var written []string
	for _, f := range files {
		mode, err := f.mode()
		if err != nil {
			return nil, err
		}

		e := &fstree.Entry{Kind: fstree.Regular, Mode: mode, Data: []byte(f.Content), Linkage: f.linkage()}
		switch {
		case f.Dir:
			e = &fstree.Entry{Kind: fstree.Dir, Mode: mode}
		case f.Link != "":
			e = &fstree.Entry{Kind: fstree.Symlink, Mode: 0o777, Target: expand.Replace(f.Link)}
		}

		real, err := tree.Put(expand.Replace(f.Path), e)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to write %q", f.Path)
		}
		written = append(written, real)
	}
	return written, nil
}
