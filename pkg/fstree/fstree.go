// Package fstree models a container filesystem as an in-memory value.
//
// A Tree maps absolute, cleaned paths to regular files, symlinks and
// directories. Build trees and runtime trees are separate values: copying
// between them is explicit through Copy, so nothing leaks from one into the
// other by accident.
package fstree

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pdtpartners/imagematrix/pkg/linkage"
	"github.com/pkg/errors"
)

// Kind is the type of a tree entry.
type Kind uint8

const (
	Regular Kind = iota
	Symlink
	Dir
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "file"
	case Symlink:
		return "symlink"
	case Dir:
		return "dir"
	default:
		return "unknown"
	}
}

// maxSymlinkHops bounds symlink resolution, matching the Linux limit.
const maxSymlinkHops = 40

var (
	// ErrNotDir is returned when a path component that must be a directory
	// is something else.
	ErrNotDir = errors.New("not a directory")

	// ErrSymlinkLoop is returned when resolution exceeds the hop limit.
	ErrSymlinkLoop = errors.New("too many levels of symbolic links")
)

// Entry is one node of a tree.
type Entry struct {
	Kind   Kind
	Mode   fs.FileMode
	Data   []byte
	Target string

	// Linkage optionally declares the dynamic-link metadata of a regular
	// file. When nil it is read from Data on demand.
	Linkage *linkage.Info
}

// Digest identifies the entry content. Directories have no content digest.
func (e *Entry) Digest() digest.Digest {
	switch e.Kind {
	case Regular:
		return digest.FromBytes(e.Data)
	case Symlink:
		return digest.FromString("symlink:" + e.Target)
	default:
		return ""
	}
}

// Equal reports whether two entries have the same kind, permissions and
// content.
func (e *Entry) Equal(o *Entry) bool {
	if e.Kind != o.Kind || e.Mode.Perm() != o.Mode.Perm() {
		return false
	}
	return e.Digest() == o.Digest()
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	if e.Linkage != nil {
		l := *e.Linkage
		l.Needed = append([]string(nil), e.Linkage.Needed...)
		l.RunPath = append([]string(nil), e.Linkage.RunPath...)
		c.Linkage = &l
	}
	return &c
}

// Tree is a rooted filesystem. The zero value is not usable; use New.
type Tree struct {
	entries map[string]*Entry
}

// New returns a tree containing only the root directory.
func New() *Tree {
	return &Tree{
		entries: map[string]*Entry{
			"/": {Kind: Dir, Mode: 0o755},
		},
	}
}

// Clean converts p into the canonical absolute form used as tree keys.
func Clean(p string) string {
	return path.Clean("/" + p)
}

func split(p string) []string {
	p = strings.Trim(Clean(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Len returns the number of entries including the root.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Get returns the entry at p without following a final symlink.
func (t *Tree) Get(p string) (*Entry, bool) {
	e, ok := t.entries[Clean(p)]
	return e, ok
}

// Exists reports whether p resolves to an entry, following symlinks.
func (t *Tree) Exists(p string) bool {
	_, _, err := t.Resolve(p)
	return err == nil
}

// Resolve follows symlinks in every component of p and returns the final
// path and its entry. Relative link targets are interpreted against the
// directory holding the link.
func (t *Tree) Resolve(p string) (string, *Entry, error) {
	parts := split(p)
	cur := "/"
	hops := 0
	for i := 0; i < len(parts); i++ {
		next := path.Join(cur, parts[i])
		e, ok := t.entries[next]
		if !ok {
			return "", nil, &fs.PathError{Op: "resolve", Path: Clean(p), Err: fs.ErrNotExist}
		}
		if e.Kind == Symlink {
			hops++
			if hops > maxSymlinkHops {
				return "", nil, &fs.PathError{Op: "resolve", Path: Clean(p), Err: ErrSymlinkLoop}
			}
			target := e.Target
			if !path.IsAbs(target) {
				target = path.Join(cur, target)
			}
			parts = append(split(target), parts[i+1:]...)
			cur = "/"
			i = -1
			continue
		}
		if e.Kind != Dir && i < len(parts)-1 {
			return "", nil, &fs.PathError{Op: "resolve", Path: Clean(p), Err: ErrNotDir}
		}
		cur = next
	}
	return cur, t.entries[cur], nil
}

// mkdirAll creates every missing directory of p and returns the real path of
// p after following symlinked components.
func (t *Tree) mkdirAll(p string, mode fs.FileMode) (string, error) {
	cur := "/"
	for _, part := range split(p) {
		next := path.Join(cur, part)
		e, ok := t.entries[next]
		switch {
		case !ok:
			t.entries[next] = &Entry{Kind: Dir, Mode: mode}
			cur = next
		case e.Kind == Dir:
			cur = next
		case e.Kind == Symlink:
			real, re, err := t.Resolve(next)
			if err != nil {
				return "", err
			}
			if re.Kind != Dir {
				return "", &fs.PathError{Op: "mkdir", Path: next, Err: ErrNotDir}
			}
			cur = real
		default:
			return "", &fs.PathError{Op: "mkdir", Path: next, Err: ErrNotDir}
		}
	}
	return cur, nil
}

// Put stores e at p, creating missing parent directories. Parent components
// that are symlinks to directories are followed. An existing entry at p is
// replaced; when it was a directory and e is not, its subtree is removed.
// Put returns the real path the entry was stored at.
func (t *Tree) Put(p string, e *Entry) (string, error) {
	p = Clean(p)
	if p == "/" {
		if e.Kind != Dir {
			return "", &fs.PathError{Op: "put", Path: p, Err: ErrNotDir}
		}
		t.entries["/"].Mode = e.Mode
		return p, nil
	}

	dir, err := t.mkdirAll(path.Dir(p), 0o755)
	if err != nil {
		return "", err
	}
	real := path.Join(dir, path.Base(p))

	if old, ok := t.entries[real]; ok && old.Kind == Dir {
		if e.Kind == Dir {
			old.Mode = e.Mode
			return real, nil
		}
		t.Remove(real)
	}
	t.entries[real] = e
	return real, nil
}

// Mkdir creates the directory p and its parents.
func (t *Tree) Mkdir(p string, mode fs.FileMode) error {
	_, err := t.Put(p, &Entry{Kind: Dir, Mode: mode})
	return err
}

// WriteFile stores a regular file at p.
func (t *Tree) WriteFile(p string, data []byte, mode fs.FileMode) error {
	_, err := t.Put(p, &Entry{Kind: Regular, Mode: mode, Data: data})
	return err
}

// Symlink stores a symlink at p pointing to target.
func (t *Tree) Symlink(target, p string) error {
	_, err := t.Put(p, &Entry{Kind: Symlink, Mode: 0o777, Target: target})
	return err
}

// Remove deletes p and everything below it. Removing the root empties the
// tree but keeps the root directory.
func (t *Tree) Remove(p string) {
	p = Clean(p)
	for k := range t.entries {
		if within(k, p) && k != "/" {
			delete(t.entries, k)
		}
	}
}

// within reports whether p is root or a descendant of root.
func within(p, root string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// Paths returns all paths in lexical order.
func (t *Tree) Paths() []string {
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Walk calls fn for root and every path below it in lexical order. Symlinks
// are reported, never followed. Walking a missing root is not an error.
func (t *Tree) Walk(root string, fn func(p string, e *Entry) error) error {
	root = Clean(root)
	var paths []string
	for p := range t.entries {
		if within(p, root) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := fn(p, t.entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := &Tree{entries: make(map[string]*Entry, len(t.entries))}
	for p, e := range t.entries {
		c.entries[p] = e.clone()
	}
	return c
}

// Copy copies the entry at srcPath in src, including its subtree when it is a
// directory, to destPath in t. Symlinks are copied as symlinks. Subtrees of
// src named in exclude are skipped.
func (t *Tree) Copy(src *Tree, srcPath, destPath string, exclude ...string) error {
	srcPath, destPath = Clean(srcPath), Clean(destPath)
	if _, ok := src.entries[srcPath]; !ok {
		return &fs.PathError{Op: "copy", Path: srcPath, Err: fs.ErrNotExist}
	}

	return src.Walk(srcPath, func(p string, e *Entry) error {
		for _, x := range exclude {
			if within(p, Clean(x)) {
				return nil
			}
		}
		rel := strings.TrimPrefix(p, srcPath)
		_, err := t.Put(path.Join(destPath, rel), e.clone())
		return err
	})
}

// Diff returns the paths of t that are missing from base or differ from it,
// in lexical order.
func (t *Tree) Diff(base *Tree) []string {
	var changed []string
	for _, p := range t.Paths() {
		be, ok := base.entries[p]
		if !ok || !t.entries[p].Equal(be) {
			changed = append(changed, p)
		}
	}
	return changed
}

// Subset returns a new tree holding the given paths of t and the directories
// above them.
func (t *Tree) Subset(paths []string) (*Tree, error) {
	sub := New()
	for _, p := range paths {
		e, ok := t.entries[Clean(p)]
		if !ok {
			return nil, &fs.PathError{Op: "subset", Path: p, Err: fs.ErrNotExist}
		}
		for _, dir := range ancestors(Clean(p)) {
			if de, ok := t.entries[dir]; ok && de.Kind == Dir {
				sub.entries[dir] = de.clone()
			}
		}
		sub.entries[Clean(p)] = e.clone()
	}
	return sub, nil
}

func ancestors(p string) []string {
	var dirs []string
	for d := path.Dir(p); d != "/"; d = path.Dir(d) {
		dirs = append([]string{d}, dirs...)
	}
	return dirs
}

// ReadLinkage returns the dynamic-link metadata of a regular file. Declared
// metadata takes precedence over the file content. Non-ELF files return
// linkage.ErrNotELF.
func (e *Entry) ReadLinkage() (*linkage.Info, error) {
	if e.Kind != Regular {
		return nil, linkage.ErrNotELF
	}
	if e.Linkage != nil {
		return e.Linkage, nil
	}
	return linkage.ReadBytes(e.Data)
}
