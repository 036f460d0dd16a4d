// Package closure computes the minimal set of build tree paths a runtime
// image needs: the interpreter, the installed package tree, the registered
// executables and every shared object they load that the runtime base does
// not already provide.
package closure

import (
	"sort"

	"github.com/pkg/errors"
)

// Category partitions closure directives.
type Category int

const (
	CategoryInterpreter Category = iota
	CategorySharedObject
	CategoryPackages
	CategoryExecutable
)

func (c Category) String() string {
	switch c {
	case CategoryInterpreter:
		return "interpreter"
	case CategorySharedObject:
		return "shared-object"
	case CategoryPackages:
		return "packages"
	case CategoryExecutable:
		return "executable"
	default:
		return "unknown"
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	for _, cat := range []Category{CategoryInterpreter, CategorySharedObject, CategoryPackages, CategoryExecutable} {
		if cat.String() == string(text) {
			*c = cat
			return nil
		}
	}
	return errors.Errorf("unknown closure category %q", text)
}

// Kind is what a directive copies.
type Kind int

const (
	KindFile Kind = iota
	KindSymlink
	KindTree
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindTree:
		return "tree"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for _, kind := range []Kind{KindFile, KindSymlink, KindTree} {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return errors.Errorf("unknown directive kind %q", text)
}

// ErrToolchainPath is returned when a build-only path ends up in a closure.
var ErrToolchainPath = errors.New("build toolchain path in closure")

// Directive copies Source in the build tree to Dest in the runtime tree.
// Trees are copied whole except for the Exclude subtrees.
type Directive struct {
	Category Category `json:"category"`
	Kind     Kind     `json:"kind"`
	Source   string   `json:"source"`
	Dest     string   `json:"dest"`
	Owner    string   `json:"owner,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

// Closure is the resolved artifact closure of one variant.
type Closure struct {
	Variant    string      `json:"variant"`
	Directives []Directive `json:"directives"`

	// PackageRoot is where installed ecosystem packages live.
	PackageRoot string `json:"packageRoot"`

	// LibraryDirs lists the directories of copied shared objects: those
	// owned by native packages in declaration order, then unowned ones
	// sorted, then the interpreter library directory.
	LibraryDirs []string `json:"libraryDirs"`
}

// Destinations returns the destination paths of one category, sorted.
func (c *Closure) Destinations(category Category) []string {
	var out []string
	for _, d := range c.Directives {
		if d.Category == category {
			out = append(out, d.Dest)
		}
	}
	return out
}

// Directive returns the directive writing dest.
func (c *Closure) Directive(dest string) (Directive, bool) {
	for _, d := range c.Directives {
		if d.Dest == dest {
			return d, true
		}
	}
	return Directive{}, false
}

func sortDirectives(ds []Directive) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Category != ds[j].Category {
			return ds[i].Category < ds[j].Category
		}
		return ds[i].Dest < ds[j].Dest
	})
}
