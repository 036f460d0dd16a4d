package ctrd

import (
	"bufio"
	"path"
	"sort"
	"strings"

	"github.com/pdtpartners/imagematrix/pkg/variant"
)

// packageManager is the native package manager of a build base family.
type packageManager struct {
	name       string
	update     []string
	env        []string
	install    func(pin variant.Pin) []string
	installed  []string
	owned      func(names []string) []string
	parseOwned func(out string) []string
}

var apk = packageManager{
	name: "apk",
	install: func(pin variant.Pin) []string {
		spec := pin.Name
		if pin.Version != "" {
			spec += "=" + pin.Version
		}
		return []string{"apk", "add", "--no-cache", spec}
	},
	installed: []string{"apk", "info"},
	owned: func(names []string) []string {
		return append([]string{"apk", "info", "-L"}, names...)
	},
	parseOwned: parseApkInfo,
}

var apt = packageManager{
	name:   "apt",
	update: []string{"apt-get", "update"},
	env:    []string{"DEBIAN_FRONTEND=noninteractive"},
	install: func(pin variant.Pin) []string {
		spec := pin.Name
		if pin.Version != "" {
			spec += "=" + pin.Version
		}
		return []string{"apt-get", "install", "-y", "--no-install-recommends", spec}
	},
	installed: []string{"dpkg-query", "-W", "-f=${db:Status-Status}\t${Package}\n"},
	owned: func(names []string) []string {
		return append([]string{"dpkg", "-L"}, names...)
	},
	parseOwned: parseDpkgList,
}

func managerFor(libc variant.Libc) packageManager {
	if libc == variant.LibcMusl {
		return apk
	}
	return apt
}

// parsePackageList parses a list of installed package names, one per line.
// Lines of the form "<status>\t<name>" count only when status is installed.
func parsePackageList(out string) map[string]bool {
	pkgs := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if status, name, ok := strings.Cut(l, "\t"); ok {
			if status != "installed" {
				continue
			}
			l = strings.TrimSpace(name)
		}
		if l == "" || strings.Contains(l, " ") {
			continue
		}
		pkgs[l] = true
	}
	return pkgs
}

// installedBy returns the packages an install of requested added, with
// requested first and the rest sorted.
func installedBy(requested string, before, after map[string]bool) []string {
	var added []string
	for name := range after {
		if !before[name] && name != requested {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	return append([]string{requested}, added...)
}

// dedupPaths drops repeated paths, keeping the first occurrence. Directories
// appear once per package listing them.
func dedupPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// parseApkInfo parses `apk info -L` output, which is a "<pkg> contains:"
// header followed by paths relative to the root, once per package.
func parseApkInfo(out string) []string {
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasSuffix(l, " contains:") {
			continue
		}
		paths = append(paths, path.Clean("/"+l))
	}
	return paths
}

// parseDpkgList parses `dpkg -L` output, keeping absolute paths other than
// the root and diversion notes.
func parseDpkgList(out string) []string {
	var paths []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(l, "/") {
			continue
		}
		if l = path.Clean(l); l == "/" || l == "/." {
			continue
		}
		paths = append(paths, l)
	}
	return paths
}
