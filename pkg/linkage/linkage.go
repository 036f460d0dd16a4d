// Package linkage reads the dynamic-link metadata of ELF objects: the
// shared objects they need, the name they are loaded under and where the
// dynamic linker is told to look for dependencies.
package linkage

import (
	"bytes"
	"debug/elf"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotELF is returned for inputs that are not ELF objects, such as scripts
// and data files. Callers treat such files as having no dependencies.
var ErrNotELF = errors.New("not an ELF object")

var elfMagic = []byte(elf.ELFMAG)

// Info is the dynamic-link metadata of one object.
type Info struct {
	// Soname is the DT_SONAME of a shared library.
	Soname string `toml:"soname,omitempty" yaml:"soname,omitempty" json:"soname,omitempty"`

	// Needed lists DT_NEEDED entries in declaration order.
	Needed []string `toml:"needed,omitempty" yaml:"needed,omitempty" json:"needed,omitempty"`

	// RunPath holds DT_RUNPATH entries, or DT_RPATH when no RUNPATH is set.
	RunPath []string `toml:"runpath,omitempty" yaml:"runpath,omitempty" json:"runpath,omitempty"`

	// Interp is the program interpreter (PT_INTERP) of an executable.
	Interp string `toml:"interp,omitempty" yaml:"interp,omitempty" json:"interp,omitempty"`
}

// IsELF reports whether data starts with the ELF magic number.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, elfMagic)
}

// ReadBytes is Read for an in-memory object.
func ReadBytes(data []byte) (*Info, error) {
	if !IsELF(data) {
		return nil, ErrNotELF
	}
	return Read(bytes.NewReader(data))
}

// Read parses the dynamic section and program headers of an ELF object.
// Statically linked objects yield an empty Info.
func Read(r io.ReaderAt) (*Info, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil || !IsELF(magic[:]) {
		return nil, ErrNotELF
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF object")
	}
	defer f.Close()

	info := &Info{}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		dt, err := io.ReadAll(prog.Open())
		if err != nil {
			return nil, errors.Wrap(err, "failed to read PT_INTERP")
		}
		info.Interp = strings.TrimRight(string(dt), "\x00")
	}

	if f.Section(".dynamic") == nil {
		return info, nil
	}

	info.Needed, err = f.DynString(elf.DT_NEEDED)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read DT_NEEDED")
	}

	sonames, err := f.DynString(elf.DT_SONAME)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read DT_SONAME")
	}
	if len(sonames) > 0 {
		info.Soname = sonames[0]
	}

	paths, err := f.DynString(elf.DT_RUNPATH)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read DT_RUNPATH")
	}
	if len(paths) == 0 {
		paths, err = f.DynString(elf.DT_RPATH)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read DT_RPATH")
		}
	}
	for _, p := range paths {
		for _, dir := range strings.Split(p, ":") {
			if dir != "" {
				info.RunPath = append(info.RunPath, dir)
			}
		}
	}
	return info, nil
}

// IsSharedObjectName reports whether name looks like a shared library file
// name, such as libssl.so or libssl.so.3.
func IsSharedObjectName(name string) bool {
	return strings.HasSuffix(name, ".so") || strings.Contains(name, ".so.")
}
