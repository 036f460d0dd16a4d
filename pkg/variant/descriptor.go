package variant

import (
	"fmt"
	"path"
	"strings"

	"github.com/blang/semver/v4"
)

const (
	// DefaultRuntime is the interpreter layout used when a descriptor does
	// not name one.
	DefaultRuntime = "python"

	// DefaultPrefix is the installation prefix of the interpreter.
	DefaultPrefix = "/usr/local"
)

// Pin is a package name with an optional exact version. An empty version
// lets the package manager pick.
type Pin struct {
	Name    string `toml:"name" yaml:"name" json:"name"`
	Version string `toml:"version,omitempty" yaml:"version,omitempty" json:"version,omitempty"`
}

func (p Pin) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// Runtime describes where the language runtime is installed.
type Runtime struct {
	Name   string `toml:"name,omitempty" yaml:"name,omitempty" json:"name,omitempty"`
	Prefix string `toml:"prefix,omitempty" yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Descriptor declares one build target of the matrix.
type Descriptor struct {
	ID                 string   `toml:"id" yaml:"id" json:"id"`
	BuildBase          string   `toml:"build-base" yaml:"build-base" json:"buildBase"`
	RuntimeBase        string   `toml:"runtime-base" yaml:"runtime-base" json:"runtimeBase"`
	BuildLibc          string   `toml:"build-libc,omitempty" yaml:"build-libc,omitempty" json:"buildLibc,omitempty"`
	RuntimeLibc        string   `toml:"runtime-libc,omitempty" yaml:"runtime-libc,omitempty" json:"runtimeLibc,omitempty"`
	InterpreterVersion string   `toml:"interpreter-version" yaml:"interpreter-version" json:"interpreterVersion"`
	Runtime            Runtime  `toml:"runtime,omitempty" yaml:"runtime,omitempty" json:"runtime,omitempty"`
	NativePackages     []Pin    `toml:"native-packages,omitempty" yaml:"native-packages,omitempty" json:"nativePackages,omitempty"`
	ToolchainPackages  []Pin    `toml:"toolchain-packages,omitempty" yaml:"toolchain-packages,omitempty" json:"toolchainPackages,omitempty"`
	EcosystemPackages  []Pin    `toml:"ecosystem-packages,omitempty" yaml:"ecosystem-packages,omitempty" json:"ecosystemPackages,omitempty"`
	Application        string   `toml:"application" yaml:"application" json:"application"`
	EntrypointPrefix   string   `toml:"entrypoint-prefix,omitempty" yaml:"entrypoint-prefix,omitempty" json:"entrypointPrefix,omitempty"`
	EntrypointScript   string   `toml:"entrypoint-script" yaml:"entrypoint-script" json:"entrypointScript"`
	WorkingDir         string   `toml:"working-dir,omitempty" yaml:"working-dir,omitempty" json:"workingDir,omitempty"`
	Tags               []string `toml:"tags,omitempty" yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Version parses InterpreterVersion. Short forms such as "3.9" are accepted
// and completed with zero components.
func (d *Descriptor) Version() (semver.Version, error) {
	return semver.ParseTolerant(d.InterpreterVersion)
}

// MajorMinor returns the "major.minor" form of the interpreter version, which
// is what interpreter install layouts are keyed on.
func (d *Descriptor) MajorMinor() string {
	v, err := d.Version()
	if err != nil {
		return d.InterpreterVersion
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// RuntimeName returns the interpreter layout name.
func (d *Descriptor) RuntimeName() string {
	if d.Runtime.Name == "" {
		return DefaultRuntime
	}
	return d.Runtime.Name
}

// Prefix returns the interpreter installation prefix.
func (d *Descriptor) Prefix() string {
	if d.Runtime.Prefix == "" {
		return DefaultPrefix
	}
	return path.Clean(d.Runtime.Prefix)
}

// ExecutablePrefix returns the name prefix of executables registered by the
// application installer.
func (d *Descriptor) ExecutablePrefix() string {
	if d.EntrypointPrefix != "" {
		return d.EntrypointPrefix
	}
	return d.Application
}

// BuildFamily returns the declared or detected libc family of the build base.
func (d *Descriptor) BuildFamily() Libc {
	if d.BuildLibc != "" {
		return ParseLibc(d.BuildLibc)
	}
	return DetectLibc(d.BuildBase)
}

// RuntimeFamily returns the declared or detected libc family of the runtime
// base.
func (d *Descriptor) RuntimeFamily() Libc {
	if d.RuntimeLibc != "" {
		return ParseLibc(d.RuntimeLibc)
	}
	return DetectLibc(d.RuntimeBase)
}

// ImageTags returns the references the final image is tagged with.
func (d *Descriptor) ImageTags() []string {
	if len(d.Tags) == 0 {
		return []string{d.ID}
	}
	return append([]string(nil), d.Tags...)
}

// ApplicationPin returns the ecosystem pin of the packaged application.
func (d *Descriptor) ApplicationPin() (Pin, bool) {
	for _, p := range d.EcosystemPackages {
		if p.Name == d.Application {
			return p, true
		}
	}
	return Pin{}, false
}

// Validate checks the descriptor invariants. It returns a *ValidationError or
// a *PinConflictError describing the first violation found.
func (d *Descriptor) Validate() error {
	invalid := func(field, format string, args ...any) error {
		return &ValidationError{Variant: d.ID, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(d.ID) == "" {
		return invalid("id", "must not be empty")
	}
	if d.BuildBase == "" {
		return invalid("build-base", "must not be empty")
	}
	if d.RuntimeBase == "" {
		return invalid("runtime-base", "must not be empty")
	}
	if _, err := d.Version(); err != nil {
		return invalid("interpreter-version", "cannot parse %q: %s", d.InterpreterVersion, err)
	}
	if strings.TrimSpace(d.EntrypointScript) == "" {
		return invalid("entrypoint-script", "must not be empty")
	}

	build, runtime := d.BuildFamily(), d.RuntimeFamily()
	if build == LibcUnknown {
		return invalid("build-libc", "cannot determine libc family of %q, declare it explicitly", d.BuildBase)
	}
	if runtime == LibcUnknown {
		return invalid("runtime-libc", "cannot determine libc family of %q, declare it explicitly", d.RuntimeBase)
	}
	if build != runtime {
		return invalid("runtime-base", "libc family %s of %q does not match build base %q (%s)", runtime, d.RuntimeBase, d.BuildBase, build)
	}

	if _, err := uniquePins(d.NativePackages); err != nil {
		return invalid("native-packages", "%s", err)
	}
	ecosystem, err := uniquePins(d.EcosystemPackages)
	if err != nil {
		return invalid("ecosystem-packages", "%s", err)
	}
	toolchain, err := uniquePins(d.ToolchainPackages)
	if err != nil {
		return invalid("toolchain-packages", "%s", err)
	}

	for name, tv := range toolchain {
		if ev, ok := ecosystem[name]; ok && tv != "" && ev != "" && tv != ev {
			return &PinConflictError{Variant: d.ID, Package: name, Versions: []string{tv, ev}}
		}
	}

	if d.Application == "" {
		return invalid("application", "must not be empty")
	}
	if _, ok := ecosystem[d.Application]; !ok {
		return invalid("application", "%q is not listed in ecosystem-packages", d.Application)
	}
	return nil
}

// uniquePins indexes pins by name, rejecting names that are declared twice
// with different versions.
func uniquePins(pins []Pin) (map[string]string, error) {
	index := make(map[string]string, len(pins))
	for _, p := range pins {
		if p.Name == "" {
			return nil, fmt.Errorf("package without a name")
		}
		if v, ok := index[p.Name]; ok && v != p.Version {
			return nil, fmt.Errorf("%s is pinned to both %q and %q", p.Name, v, p.Version)
		}
		index[p.Name] = p.Version
	}
	return index, nil
}

// Dedup returns pins with repeated identical declarations removed, keeping the
// first occurrence.
func Dedup(pins []Pin) []Pin {
	seen := make(map[string]bool, len(pins))
	out := make([]Pin, 0, len(pins))
	for _, p := range pins {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}
