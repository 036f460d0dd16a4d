// Package variant describes the build targets of an image matrix.
//
// A Descriptor names one output image: the build-base and runtime-base image
// references, the interpreter version and the ordered native, toolchain and
// ecosystem package pins that the build stage installs. Descriptors are pure
// data. They are validated once when loaded and never mutated afterwards.
//
// The package also owns the error taxonomy shared by every pipeline stage.
// Each typed error carries the id of the variant it belongs to and unwraps to
// one of the sentinel kinds so callers can classify failures with errors.Is.
package variant
