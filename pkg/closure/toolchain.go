package closure

import (
	"path"
	"strings"
)

var (
	toolchainDirs = []string{
		"/usr/include",
		"/usr/local/include",
		"/usr/libexec/gcc",
		"/var/cache/apk",
		"/var/cache/apt",
		"/var/lib/apt/lists",
		"/root/.cache",
	}

	compilerDrivers = map[string]bool{
		"gcc": true,
		"cc":  true,
		"g++": true,
		"c++": true,
		"cpp": true,
		"ld":  true,
		"as":  true,
	}
)

// isToolchainPath reports whether p belongs to a compiler, linker, header set
// or package manager cache.
func isToolchainPath(p string, l Layout) bool {
	if within(p, path.Join(l.Prefix, "include")) {
		return true
	}
	for _, dir := range toolchainDirs {
		if within(p, dir) {
			return true
		}
	}

	parent := path.Base(path.Dir(p))
	if parent != "bin" && parent != "sbin" {
		return false
	}
	base := path.Base(p)
	switch {
	case compilerDrivers[base]:
		return true
	case strings.HasPrefix(base, "clang"), strings.HasPrefix(base, "ld."):
		return true
	case strings.HasSuffix(base, "-gcc"), strings.HasSuffix(base, "-g++"), strings.HasSuffix(base, "-ld"):
		return true
	}
	return false
}

func within(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
