package variant

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func validDescriptor() Descriptor {
	return Descriptor{
		ID:                 "py3.9-alpine",
		BuildBase:          "python:3.9-alpine",
		RuntimeBase:        "alpine:3.18",
		InterpreterVersion: "3.9",
		NativePackages:     []Pin{{Name: "gcc"}, {Name: "openssl-dev", Version: "3.1.4-r0"}},
		ToolchainPackages:  []Pin{{Name: "setuptools", Version: "68.0.0"}, {Name: "requests", Version: "2.31.0"}},
		EcosystemPackages:  []Pin{{Name: "elasticsearch", Version: "7.0.0"}, {Name: "elastalert", Version: "0.2.4"}},
		Application:        "elastalert",
		EntrypointScript:   "docker-entrypoint.sh",
	}
}

func TestValidate(t *testing.T) {
	type testCase struct {
		name   string
		mutate func(d *Descriptor)
		field  string
		kind   error
	}

	for _, tc := range []testCase{
		{
			"valid",
			func(d *Descriptor) {},
			"",
			nil,
		},
		{
			"unparsable_interpreter_version",
			func(d *Descriptor) { d.InterpreterVersion = "three.nine" },
			"interpreter-version",
			ErrValidation,
		},
		{
			"empty_entrypoint",
			func(d *Descriptor) { d.EntrypointScript = " " },
			"entrypoint-script",
			ErrValidation,
		},
		{
			"ambiguous_ecosystem_pin",
			func(d *Descriptor) {
				d.EcosystemPackages = append(d.EcosystemPackages, Pin{Name: "elasticsearch", Version: "8.0.0"})
			},
			"ecosystem-packages",
			ErrValidation,
		},
		{
			"repeated_identical_pin",
			func(d *Descriptor) {
				d.EcosystemPackages = append(d.EcosystemPackages, Pin{Name: "elasticsearch", Version: "7.0.0"})
			},
			"",
			nil,
		},
		{
			"cross_libc",
			func(d *Descriptor) { d.RuntimeBase = "debian:bookworm-slim" },
			"runtime-base",
			ErrValidation,
		},
		{
			"explicit_libc_overrides_detection",
			func(d *Descriptor) {
				d.RuntimeBase = "registry.local/minimal"
				d.RuntimeLibc = "musl"
			},
			"",
			nil,
		},
		{
			"undetectable_runtime_libc",
			func(d *Descriptor) { d.RuntimeBase = "gcr.io/distroless/static" },
			"runtime-libc",
			ErrValidation,
		},
		{
			"toolchain_contradicts_ecosystem",
			func(d *Descriptor) {
				d.EcosystemPackages = append([]Pin{{Name: "requests", Version: "2.20.0"}}, d.EcosystemPackages...)
			},
			"",
			ErrPinConflict,
		},
		{
			"application_not_in_ecosystem",
			func(d *Descriptor) { d.Application = "elastalert-server" },
			"application",
			ErrValidation,
		},
		{
			"missing_id",
			func(d *Descriptor) { d.ID = "" },
			"id",
			ErrValidation,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := validDescriptor()
			tc.mutate(&d)

			err := d.Validate()
			if tc.kind == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.kind), "unexpected error kind: %v", err)

			var verr *ValidationError
			if errors.As(err, &verr) {
				require.Equal(t, tc.field, verr.Field)
				require.Equal(t, d.ID, verr.Variant)
			}
		})
	}
}

func TestCrossLibcRuntimeFailsFast(t *testing.T) {
	glibc := validDescriptor()
	glibc.ID = "py3.9-debian"
	glibc.BuildBase = "python:3.9-slim-bookworm"
	glibc.RuntimeBase = "debian:bookworm-slim"

	musl := glibc
	musl.ID = "py3.9-alpine"
	musl.RuntimeBase = "alpine:3.18"

	require.NoError(t, glibc.Validate())

	err := musl.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "py3.9-alpine", verr.Variant)
}

func TestDescriptorDefaults(t *testing.T) {
	d := validDescriptor()
	require.Equal(t, "3.9", d.MajorMinor())
	require.Equal(t, DefaultPrefix, d.Prefix())
	require.Equal(t, DefaultRuntime, d.RuntimeName())
	require.Equal(t, "elastalert", d.ExecutablePrefix())
	require.Equal(t, []string{"py3.9-alpine"}, d.ImageTags())

	d.Runtime.Prefix = "/opt/python/"
	d.EntrypointPrefix = "ea"
	d.Tags = []string{"registry.local/ea:3.9"}
	require.Equal(t, "/opt/python", d.Prefix())
	require.Equal(t, "ea", d.ExecutablePrefix())
	require.Equal(t, []string{"registry.local/ea:3.9"}, d.ImageTags())

	pin, ok := d.ApplicationPin()
	require.True(t, ok)
	require.Equal(t, "0.2.4", pin.Version)
}

func TestDetectLibc(t *testing.T) {
	for ref, expected := range map[string]Libc{
		"python:3.9-alpine":        LibcMusl,
		"alpine:3.18":              LibcMusl,
		"python:3.9-slim-bookworm": LibcGlibc,
		"ubuntu:22.04":             LibcGlibc,
		"gcr.io/distroless/static": LibcUnknown,
		"scratch":                  LibcUnknown,
		"":                         LibcUnknown,
	} {
		require.Equal(t, expected, DetectLibc(ref), ref)
	}
}

func TestAttribute(t *testing.T) {
	err := errors.Wrap(&NativeDependencyError{Package: "openssl-dev"}, "install")
	Attribute(err, "py3.9-alpine")

	var nerr *NativeDependencyError
	require.True(t, errors.As(err, &nerr))
	require.Equal(t, "py3.9-alpine", nerr.Variant)
	require.True(t, errors.Is(err, ErrNativeDependency))

	// An id already present is kept.
	Attribute(err, "other")
	require.Equal(t, "py3.9-alpine", nerr.Variant)
}

func TestDedup(t *testing.T) {
	pins := []Pin{{Name: "a", Version: "1"}, {Name: "b"}, {Name: "a", Version: "1"}}
	require.Equal(t, []Pin{{Name: "a", Version: "1"}, {Name: "b"}}, Dedup(pins))
}
