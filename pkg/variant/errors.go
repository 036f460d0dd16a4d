package variant

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation is the kind of every descriptor validation failure.
	ErrValidation = errors.New("invalid variant descriptor")

	// ErrNativeDependency is the kind of a native OS package that could not be
	// installed.
	ErrNativeDependency = errors.New("native dependency unavailable")

	// ErrPinConflict is the kind of two pins that cannot both be honored.
	ErrPinConflict = errors.New("pin conflict")

	// ErrUnresolvedDependency is the kind of a shared object that neither the
	// build tree nor the runtime base provides.
	ErrUnresolvedDependency = errors.New("unresolved shared object dependency")

	// ErrAssembly is the kind of a runtime stage that could not be assembled.
	ErrAssembly = errors.New("assembly failed")

	// ErrBuild is the kind of any other build stage failure.
	ErrBuild = errors.New("build failed")
)

// attributable is implemented by the taxonomy errors so Attribute can stamp a
// variant id on errors created by code that does not know it.
type attributable interface {
	error
	attribute(id string)
}

// Attribute sets the variant id on the first taxonomy error in err's chain
// that does not have one yet. It returns err unchanged.
func Attribute(err error, id string) error {
	if err == nil {
		return nil
	}
	var ae attributable
	if errors.As(err, &ae) {
		ae.attribute(id)
	}
	return err
}

func prefix(variant string) string {
	if variant == "" {
		return ""
	}
	return fmt.Sprintf("variant %q: ", variant)
}

// ValidationError reports a descriptor rejected at load time.
type ValidationError struct {
	Variant string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s%s: %s: %s", prefix(e.Variant), ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

// NativeDependencyError reports a native package that is missing from the
// package repository or failed to install.
type NativeDependencyError struct {
	Variant string
	Package string
	Err     error
}

func (e *NativeDependencyError) Error() string {
	msg := fmt.Sprintf("%s%s: %s", prefix(e.Variant), ErrNativeDependency, e.Package)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NativeDependencyError) Unwrap() []error { return unwrap(ErrNativeDependency, e.Err) }

func (e *NativeDependencyError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

// PinConflictError reports a package whose pinned version contradicts another
// pin or an installed version.
type PinConflictError struct {
	Variant  string
	Package  string
	Versions []string
	Err      error
}

func (e *PinConflictError) Error() string {
	msg := fmt.Sprintf("%s%s: %s", prefix(e.Variant), ErrPinConflict, e.Package)
	if len(e.Versions) > 0 {
		msg += fmt.Sprintf(" %v", e.Versions)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PinConflictError) Unwrap() []error { return unwrap(ErrPinConflict, e.Err) }

func (e *PinConflictError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

// UnresolvedDependencyError reports a shared object required by a closure
// member that cannot be located in the build tree or the runtime base.
type UnresolvedDependencyError struct {
	Variant  string
	Library  string
	NeededBy string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("%s%s: %s (needed by %s)", prefix(e.Variant), ErrUnresolvedDependency, e.Library, e.NeededBy)
}

func (e *UnresolvedDependencyError) Unwrap() error { return ErrUnresolvedDependency }

func (e *UnresolvedDependencyError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

// AssemblyError reports a closure entry that could not be copied into the
// runtime tree. Given a complete closure it indicates an internal invariant
// violation.
type AssemblyError struct {
	Variant string
	Path    string
	Err     error
}

func (e *AssemblyError) Error() string {
	msg := fmt.Sprintf("%s%s: %s", prefix(e.Variant), ErrAssembly, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssemblyError) Unwrap() []error { return unwrap(ErrAssembly, e.Err) }

func (e *AssemblyError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

// BuildError reports a build stage failure that is none of the named classes,
// such as a backend that cannot reach its image registry.
type BuildError struct {
	Variant string
	Step    string
	Err     error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%s%s: %s", prefix(e.Variant), ErrBuild, e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() []error { return unwrap(ErrBuild, e.Err) }

func (e *BuildError) attribute(id string) {
	if e.Variant == "" {
		e.Variant = id
	}
}

func unwrap(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}
