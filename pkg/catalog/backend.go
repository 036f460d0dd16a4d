package catalog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

var (
	// ErrUnknownImage is returned for image references missing from the
	// catalog.
	ErrUnknownImage = errors.New("image not in catalog")

	// ErrUnknownPackage is returned for packages or versions missing from
	// the catalog.
	ErrUnknownPackage = errors.New("package not in catalog")
)

// Backend serves build environments and runtime bases from a catalog.
type Backend struct {
	catalog *Catalog
}

var _ stage.Backend = (*Backend)(nil)

// New returns a backend serving c.
func New(c *Catalog) *Backend {
	return &Backend{catalog: c}
}

// Provision implements stage.Backend.
func (b *Backend) Provision(ctx context.Context, d *variant.Descriptor) (stage.Session, error) {
	return b.open(ctx, d.BuildBase, d)
}

// RuntimeBase implements stage.Backend.
func (b *Backend) RuntimeBase(ctx context.Context, ref string) (*fstree.Tree, error) {
	s, err := b.open(ctx, ref, &variant.Descriptor{})
	if err != nil {
		return nil, err
	}
	return s.tree, nil
}

func (b *Backend) open(ctx context.Context, ref string, d *variant.Descriptor) (*session, error) {
	img, ok := b.catalog.image(ref)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownImage, "%q", ref)
	}

	s := &session{
		catalog:   b.catalog,
		runtime:   d.RuntimeName(),
		expand:    expander(d),
		tree:      fstree.New(),
		installed: make(map[string]*Package),
		files:     make(map[string][]string),
	}
	if img.Rootfs != "" {
		tree, err := fstree.LoadDir(b.catalog.rootfs(img))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load root filesystem of %q", ref)
		}
		s.tree = tree
	}
	if _, err := writeFiles(s.tree, img.Files, s.expand); err != nil {
		return nil, errors.Wrapf(err, "failed to unpack %q", ref)
	}

	s.libc = variant.ParseLibc(img.Libc)
	if s.libc == variant.LibcUnknown {
		s.libc = s.tree.Libc()
	}

	for _, pin := range img.Install {
		if _, err := s.install(EcosystemNative, pin.Name, pin.Version, nil); err != nil {
			return nil, errors.Wrapf(err, "failed to install %s into %q", pin, ref)
		}
	}

	log.G(ctx).WithField("image", ref).Debugf("Unpacked catalog image with %d paths", s.tree.Len())
	return s, nil
}

type session struct {
	catalog   *Catalog
	runtime   string
	expand    *strings.Replacer
	tree      *fstree.Tree
	libc      variant.Libc
	installed map[string]*Package
	files     map[string][]string
}

func key(ecosystem, name string) string {
	return ecosystem + "/" + name
}

func (s *session) Libc(ctx context.Context) (variant.Libc, error) {
	return s.libc, nil
}

func (s *session) InstallNative(ctx context.Context, pin variant.Pin) ([]string, error) {
	owned, err := s.install(EcosystemNative, pin.Name, pin.Version, nil)
	if err != nil {
		if errors.Is(err, ErrUnknownPackage) {
			return nil, &variant.NativeDependencyError{Package: pin.String(), Err: err}
		}
		return nil, err
	}
	return owned, nil
}

func (s *session) InstallEcosystem(ctx context.Context, pins []variant.Pin) error {
	for _, pin := range pins {
		if _, err := s.install(s.runtime, pin.Name, pin.Version, nil); err != nil {
			return err
		}
		log.G(ctx).WithField("package", pin.String()).Debug("Installed ecosystem package")
	}
	return s.checkRequirements(s.runtime)
}

func (s *session) Executables(ctx context.Context, dir, namePrefix string) ([]string, error) {
	real, e, err := s.tree.Resolve(dir)
	if err != nil || e.Kind != fstree.Dir {
		return nil, nil
	}

	var out []string
	err = s.tree.Walk(real, func(p string, e *fstree.Entry) error {
		if path.Dir(p) == real && e.Kind != fstree.Dir && strings.HasPrefix(path.Base(p), namePrefix) {
			out = append(out, p)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (s *session) Snapshot(ctx context.Context) (*fstree.Tree, error) {
	return s.tree.Clone(), nil
}

func (s *session) Close() error {
	return nil
}

// install installs one package and the requirements it declares. An empty
// version installs the newest candidate; rng, when non-nil, constrains the
// choice for transitive requirements. It returns the paths written by the
// requested package itself and its not yet installed requirements.
func (s *session) install(ecosystem, name, version string, rng semver.Range) ([]string, error) {
	if cur, ok := s.installed[key(ecosystem, name)]; ok {
		switch {
		case version != "" && !matchesPin(cur.Version, version):
			// An explicit pin replaces what is installed, like a package
			// manager asked for a specific version would. Directories may
			// be shared with other packages and stay.
			for _, p := range s.files[key(ecosystem, name)] {
				if e, ok := s.tree.Get(p); ok && e.Kind != fstree.Dir {
					s.tree.Remove(p)
				}
			}
		case rng != nil && !inRange(rng, cur.Version):
			return nil, &variant.PinConflictError{
				Package:  name,
				Versions: []string{cur.Version},
				Err:      errors.New("installed version does not satisfy a requirement"),
			}
		default:
			return nil, nil
		}
	}

	var pkg *Package
	for _, cand := range s.catalog.candidates(ecosystem, name, s.libc) {
		if version != "" && !matchesPin(cand.Version, version) {
			continue
		}
		if rng != nil && !inRange(rng, cand.Version) {
			continue
		}
		pkg = cand
		break
	}
	if pkg == nil {
		pin := variant.Pin{Name: name, Version: version}
		return nil, errors.Wrapf(ErrUnknownPackage, "%s %s for %s", ecosystem, pin, s.libc)
	}
	s.installed[key(ecosystem, name)] = pkg

	var written []string
	for _, req := range pkg.Requires {
		r, err := parseRange(req.Range)
		if err != nil {
			return nil, errors.Wrapf(err, "%s requires %s", pkg.Name, req.Name)
		}
		paths, err := s.install(ecosystem, req.Name, "", r)
		if err != nil {
			return nil, err
		}
		written = append(written, paths...)
	}

	paths, err := writeFiles(s.tree, pkg.Files, s.expand)
	if err != nil {
		return nil, err
	}
	s.files[key(ecosystem, name)] = paths
	return append(written, paths...), nil
}

// checkRequirements verifies that every installed package of the ecosystem
// still has its requirements met, which explicit pins can break.
func (s *session) checkRequirements(ecosystem string) error {
	var keys []string
	for k := range s.installed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		pkg := s.installed[k]
		if pkg.Ecosystem != ecosystem {
			continue
		}
		for _, req := range pkg.Requires {
			dep, ok := s.installed[key(ecosystem, req.Name)]
			if !ok {
				continue
			}
			r, err := parseRange(req.Range)
			if err != nil {
				return err
			}
			if r != nil && !inRange(r, dep.Version) {
				return &variant.PinConflictError{
					Package:  req.Name,
					Versions: []string{dep.Version, req.Range},
					Err:      fmt.Errorf("%s %s requires %s %s", pkg.Name, pkg.Version, req.Name, req.Range),
				}
			}
		}
	}
	return nil
}

func parseRange(s string) (semver.Range, error) {
	if s == "" {
		return nil, nil
	}
	return semver.ParseRange(s)
}

func inRange(r semver.Range, version string) bool {
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	return r(v)
}

// matchesPin reports whether version satisfies a pin. Pins are exact
// versions, compared semantically, or wildcards such as "2.x" and "2.3.*".
func matchesPin(version, pin string) bool {
	if version == pin {
		return true
	}
	if stem, ok := wildcardStem(pin); ok {
		return version == stem || strings.HasPrefix(version, stem+".")
	}
	v, errv := semver.ParseTolerant(version)
	p, errp := semver.ParseTolerant(pin)
	return errv == nil && errp == nil && v.EQ(p)
}

func wildcardStem(pin string) (string, bool) {
	for _, suffix := range []string{".x", ".*"} {
		if strings.HasSuffix(pin, suffix) {
			return strings.TrimSuffix(pin, suffix), true
		}
	}
	return "", false
}
