package closure

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/linkage"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

// defaultLibraryDirs are searched after RUNPATH, native package directories
// and the interpreter library directory.
var defaultLibraryDirs = []string{
	"/lib",
	"/usr/lib",
	"/usr/local/lib",
	"/lib64",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
}

// maxChain bounds symlink chains followed while copying a path.
const maxChain = 40

type resolver struct {
	ctx     context.Context
	bt      *stage.BuildTree
	build   *fstree.Tree
	runtime *fstree.Tree
	layout  Layout

	owners     map[string]string
	nativeDirs []string
	trees      []*Directive
	byDest     map[string]*Directive
	order      []string
	queued     map[string]bool
	queue      []string
}

// Resolve computes the artifact closure of a build tree against the runtime
// base it will be assembled on. The interpreter version and layout are taken
// from the build tree's descriptor.
//
// Resolution fails with an UnresolvedDependencyError when a shared object is
// needed but neither tree provides it.
func Resolve(ctx context.Context, bt *stage.BuildTree, runtime *fstree.Tree) (c *Closure, err error) {
	d := bt.Descriptor
	defer func() {
		err = variant.Attribute(err, d.ID)
	}()

	layout, err := LayoutFor(d)
	if err != nil {
		return nil, &variant.BuildError{Step: "closure", Err: err}
	}

	r := &resolver{
		ctx:     log.WithLogger(ctx, log.G(ctx).WithField("variant", d.ID)),
		bt:      bt,
		build:   bt.Tree,
		runtime: runtime,
		layout:  layout,
		byDest:  make(map[string]*Directive),
		queued:  make(map[string]bool),
	}
	r.owners = canonicalOwners(bt)
	r.nativeDirs = nativeLibraryDirs(bt.NativeOrder, r.owners)

	if err := r.seed(); err != nil {
		return nil, err
	}
	if err := r.walk(); err != nil {
		return nil, err
	}

	c = &Closure{
		Variant:     d.ID,
		PackageRoot: layout.PackageRoot(),
	}
	for _, dest := range r.order {
		c.Directives = append(c.Directives, *r.byDest[dest])
	}
	sortDirectives(c.Directives)
	c.LibraryDirs = r.libraryDirs(c.Directives)

	if err := r.checkMinimal(c.Directives); err != nil {
		return nil, err
	}

	log.G(r.ctx).WithField("directives", len(c.Directives)).Debug("Resolved artifact closure")
	return c, nil
}

// seed adds the interpreter, the package root and the registered
// executables, queueing every regular file they contain for inspection.
func (r *resolver) seed() error {
	l := r.layout
	interp := "interpreter " + l.Version

	stdlib, e, err := r.build.Resolve(l.StdlibDir())
	if err != nil || e.Kind != fstree.Dir {
		return &variant.UnresolvedDependencyError{Library: l.StdlibDir(), NeededBy: interp}
	}
	site, se, err := r.build.Resolve(l.PackageRoot())
	if err != nil || se.Kind != fstree.Dir {
		return &variant.UnresolvedDependencyError{Library: l.PackageRoot(), NeededBy: interp}
	}

	r.addTree(CategoryInterpreter, stdlib, []string{site})
	if err := r.addChain(CategoryInterpreter, l.Interpreter()); err != nil {
		return &variant.UnresolvedDependencyError{Library: l.Interpreter(), NeededBy: interp}
	}
	for _, alias := range l.Aliases() {
		if _, ok := r.build.Get(alias); ok {
			if err := r.addChain(CategoryInterpreter, alias); err != nil {
				return &variant.UnresolvedDependencyError{Library: alias, NeededBy: interp}
			}
		}
	}

	if libDir, le, err := r.build.Resolve(l.LibDir()); err == nil && le.Kind == fstree.Dir {
		var libs []string
		_ = r.build.Walk(libDir, func(p string, e *fstree.Entry) error {
			if path.Dir(p) == libDir && strings.HasPrefix(path.Base(p), l.SharedObjectPrefix()) {
				libs = append(libs, p)
			}
			return nil
		})
		for _, p := range libs {
			if err := r.addChain(CategoryInterpreter, p); err != nil {
				return &variant.UnresolvedDependencyError{Library: p, NeededBy: interp}
			}
		}
	}

	r.addTree(CategoryPackages, site, nil)

	for _, ep := range r.bt.Entrypoints {
		if err := r.addChain(CategoryExecutable, ep); err != nil {
			return &variant.UnresolvedDependencyError{Library: ep, NeededBy: r.bt.Descriptor.Application}
		}
	}
	return nil
}

// walk drains the queue, adding the shared objects each queued object needs.
func (r *resolver) walk() error {
	for len(r.queue) > 0 {
		p := r.queue[0]
		r.queue = r.queue[1:]

		e, _ := r.build.Get(p)
		info, err := e.ReadLinkage()
		if errors.Is(err, linkage.ErrNotELF) {
			continue
		} else if err != nil {
			return &variant.BuildError{Step: "closure", Err: errors.Wrapf(err, "failed to read %q", p)}
		}

		if info.Interp != "" {
			if err := r.require(info.Interp, nil, p); err != nil {
				return err
			}
		}
		for _, needed := range info.Needed {
			if strings.Contains(needed, "/") {
				err = r.require(needed, nil, p)
			} else {
				err = r.require(needed, r.searchDirs(p, info.RunPath), p)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// require locates a dependency of requester. A name without dirs is a path.
func (r *resolver) require(name string, dirs []string, requester string) error {
	candidates := []string{name}
	if dirs != nil {
		candidates = candidates[:0]
		for _, dir := range dirs {
			candidates = append(candidates, path.Join(dir, name))
		}
	}

	for _, p := range candidates {
		real, e, err := r.build.Resolve(p)
		if err != nil || e.Kind != fstree.Regular {
			continue
		}

		if _, re, err := r.runtime.Resolve(p); err == nil && re.Kind == fstree.Regular && re.Digest() == e.Digest() {
			log.G(r.ctx).WithField("path", p).Trace("Dependency already present in runtime base")
			return nil
		}
		if err := r.addChain(CategorySharedObject, p); err != nil {
			return &variant.UnresolvedDependencyError{Library: name, NeededBy: requester}
		}
		log.G(r.ctx).WithField("path", real).Debugf("Adding %s needed by %s", name, requester)
		return nil
	}

	for _, p := range candidates {
		if r.runtime.Exists(p) {
			return nil
		}
	}
	return &variant.UnresolvedDependencyError{Library: name, NeededBy: requester}
}

// searchDirs returns the directories searched for a NEEDED entry of
// requester: its RUNPATH, native package library directories in declared
// order, the interpreter library directory and the defaults.
func (r *resolver) searchDirs(requester string, runPath []string) []string {
	origin := path.Dir(requester)
	var dirs []string
	for _, rp := range runPath {
		rp = strings.ReplaceAll(rp, "${ORIGIN}", origin)
		rp = strings.ReplaceAll(rp, "$ORIGIN", origin)
		dirs = append(dirs, fstree.Clean(rp))
	}
	dirs = append(dirs, r.nativeDirs...)
	dirs = append(dirs, r.layout.LibDir())
	dirs = append(dirs, defaultLibraryDirs...)
	return dedup(dirs)
}

// addTree adds a directory copied as a whole and queues its files.
func (r *resolver) addTree(c Category, dir string, exclude []string) {
	d := &Directive{Category: c, Kind: KindTree, Source: dir, Dest: dir, Exclude: exclude}
	r.add(d)
	r.trees = append(r.trees, d)

	_ = r.build.Walk(dir, func(p string, e *fstree.Entry) error {
		if e.Kind == fstree.Regular && !excluded(p, exclude) {
			r.enqueue(p)
		}
		return nil
	})
}

// addChain adds p and, when it is a symlink, every link up to and including
// the regular file it finally names. Parent symlinks are resolved so
// directives always use real build tree paths.
func (r *resolver) addChain(c Category, p string) error {
	for hops := 0; hops < maxChain; hops++ {
		dir, _, err := r.build.Resolve(path.Dir(p))
		if err != nil {
			return err
		}
		cur := path.Join(dir, path.Base(p))
		e, ok := r.build.Get(cur)
		if !ok {
			return errors.Errorf("%q does not exist", cur)
		}

		switch e.Kind {
		case fstree.Symlink:
			if !r.covered(cur) {
				r.add(&Directive{Category: c, Kind: KindSymlink, Source: cur, Dest: cur, Owner: r.owners[cur]})
			}
			p = e.Target
			if !path.IsAbs(p) {
				p = path.Join(dir, p)
			}
		case fstree.Regular:
			if !r.covered(cur) {
				r.add(&Directive{Category: c, Kind: KindFile, Source: cur, Dest: cur, Owner: r.owners[cur]})
			}
			r.enqueue(cur)
			return nil
		default:
			return errors.Errorf("%q is a directory", cur)
		}
	}
	return fstree.ErrSymlinkLoop
}

func (r *resolver) add(d *Directive) {
	if _, ok := r.byDest[d.Dest]; ok {
		return
	}
	r.byDest[d.Dest] = d
	r.order = append(r.order, d.Dest)
}

func (r *resolver) enqueue(p string) {
	if r.queued[p] {
		return
	}
	r.queued[p] = true
	r.queue = append(r.queue, p)
}

// covered reports whether p is copied by a tree directive.
func (r *resolver) covered(p string) bool {
	for _, t := range r.trees {
		if within(p, t.Source) && !excluded(p, t.Exclude) {
			return true
		}
	}
	return false
}

// libraryDirs orders the directories holding copied shared objects.
func (r *resolver) libraryDirs(ds []Directive) []string {
	present := make(map[string]bool)
	for _, d := range ds {
		if d.Kind == KindTree {
			continue
		}
		if d.Category == CategorySharedObject || (d.Category == CategoryInterpreter && path.Dir(d.Dest) == r.layout.LibDir()) {
			present[path.Dir(d.Dest)] = true
		}
	}

	var dirs []string
	for _, dir := range r.nativeDirs {
		if present[dir] {
			dirs = append(dirs, dir)
			delete(present, dir)
		}
	}

	interp := present[r.layout.LibDir()]
	delete(present, r.layout.LibDir())
	var rest []string
	for dir := range present {
		rest = append(rest, dir)
	}
	sort.Strings(rest)
	dirs = append(dirs, rest...)

	if interp {
		dirs = append(dirs, r.layout.LibDir())
	}
	return dirs
}

// checkMinimal rejects closures that would ship build-only files.
func (r *resolver) checkMinimal(ds []Directive) error {
	for _, d := range ds {
		var bad string
		_ = r.build.Walk(d.Source, func(p string, e *fstree.Entry) error {
			if bad == "" && !excluded(p, d.Exclude) && isToolchainPath(p, r.layout) {
				bad = p
			}
			return nil
		})
		if bad != "" {
			return &variant.BuildError{Step: "closure", Err: errors.Wrapf(ErrToolchainPath, "%s", bad)}
		}
	}
	return nil
}

// canonicalOwners rekeys package ownership by the real location of each
// path, since package managers list paths through symlinked directories such
// as /lib on merged-usr systems. When two listed paths name the same file,
// the package installed first owns it.
func canonicalOwners(bt *stage.BuildTree) map[string]string {
	rank := make(map[string]int, len(bt.NativeOrder))
	for i, pkg := range bt.NativeOrder {
		if _, ok := rank[pkg]; !ok {
			rank[pkg] = i
		}
	}
	before := func(a, b string) bool {
		ra, oka := rank[a]
		rb, okb := rank[b]
		switch {
		case oka && okb && ra != rb:
			return ra < rb
		case oka != okb:
			return oka
		}
		return a < b
	}

	owners := make(map[string]string, len(bt.Owners))
	for p, owner := range bt.Owners {
		dir := path.Dir(p)
		if real, _, err := bt.Tree.Resolve(dir); err == nil {
			dir = real
		}
		real := path.Join(dir, path.Base(p))
		if prev, ok := owners[real]; !ok || before(owner, prev) {
			owners[real] = owner
		}
	}
	return owners
}

// nativeLibraryDirs returns the directories holding shared objects of native
// packages, grouped by package in declared order.
func nativeLibraryDirs(order []string, owners map[string]string) []string {
	byPkg := make(map[string][]string)
	for p, owner := range owners {
		if linkage.IsSharedObjectName(path.Base(p)) {
			byPkg[owner] = append(byPkg[owner], path.Dir(p))
		}
	}

	var dirs []string
	for _, pkg := range order {
		pkgDirs := byPkg[pkg]
		sort.Strings(pkgDirs)
		dirs = append(dirs, pkgDirs...)
	}
	return dedup(dirs)
}

func excluded(p string, exclude []string) bool {
	for _, x := range exclude {
		if within(p, x) {
			return true
		}
	}
	return false
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
