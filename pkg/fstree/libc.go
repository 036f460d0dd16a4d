package fstree

import (
	"path"
	"strings"

	"github.com/pdtpartners/imagematrix/pkg/variant"
)

// Libc detects the C library family of the tree from the dynamic loader it
// ships: ld-musl-<arch>.so.1 for musl, ld-linux*.so.* for glibc.
func (t *Tree) Libc() variant.Libc {
	found := variant.LibcUnknown
	for p, e := range t.entries {
		if e.Kind == Dir {
			continue
		}
		base := path.Base(p)
		switch {
		case strings.HasPrefix(base, "ld-musl-") && strings.Contains(base, ".so"):
			return variant.LibcMusl
		case strings.HasPrefix(base, "ld-linux") && strings.Contains(base, ".so"):
			found = variant.LibcGlibc
		}
	}
	return found
}
