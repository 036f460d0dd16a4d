package variant

import "strings"

// Libc identifies the C runtime a base image is built against. Shared objects
// compiled against one family do not load under the other.
type Libc string

const (
	// LibcUnknown means the family could not be determined.
	LibcUnknown Libc = ""

	// LibcMusl is the musl C library used by Alpine and similar images.
	LibcMusl Libc = "musl"

	// LibcGlibc is the GNU C library used by Debian, Ubuntu, Fedora and most
	// other distributions.
	LibcGlibc Libc = "glibc"
)

// ParseLibc converts a user supplied family name. Unrecognized names map to
// LibcUnknown.
func ParseLibc(s string) Libc {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "musl":
		return LibcMusl
	case "glibc", "gnu", "gnu-libc":
		return LibcGlibc
	default:
		return LibcUnknown
	}
}

// DetectLibc guesses the libc family of an image from its reference.
//
// References mentioning alpine or musl are musl based. Static distroless and
// scratch images carry no libc at all and are reported unknown, which forces
// descriptors using them to declare the family explicitly. Everything else is
// assumed to be glibc based.
func DetectLibc(ref string) Libc {
	name := strings.ToLower(ref)
	switch {
	case name == "":
		return LibcUnknown
	case strings.Contains(name, "alpine"), strings.Contains(name, "musl"):
		return LibcMusl
	case strings.Contains(name, "distroless/static"), name == "scratch":
		return LibcUnknown
	default:
		return LibcGlibc
	}
}
