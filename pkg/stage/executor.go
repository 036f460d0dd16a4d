package stage

import (
	"context"
	"sort"

	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

// Checkpoint names one step of the build stage.
type Checkpoint string

const (
	CheckpointProvision   Checkpoint = "provision"
	CheckpointNative      Checkpoint = "native-packages"
	CheckpointToolchain   Checkpoint = "toolchain"
	CheckpointEcosystem   Checkpoint = "ecosystem-packages"
	CheckpointEntrypoints Checkpoint = "entrypoints"
	CheckpointSnapshot    Checkpoint = "snapshot"
)

// Executor runs the build stage of a variant on a backend.
type Executor struct {
	backend Backend
}

// NewExecutor returns an executor using backend.
func NewExecutor(backend Backend) *Executor {
	return &Executor{backend: backend}
}

// Execute provisions the build base of d and installs native packages,
// toolchain packages, ecosystem packages and finally the application itself.
// Each step must succeed before the next one starts; the first failure aborts
// the variant. Errors are taxonomy errors attributed to d.ID.
func (e *Executor) Execute(ctx context.Context, d *variant.Descriptor) (bt *BuildTree, err error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("variant", d.ID))
	defer func() {
		err = variant.Attribute(err, d.ID)
	}()

	step := func(c Checkpoint) error {
		if err := ctx.Err(); err != nil {
			return &variant.BuildError{Step: string(c), Err: err}
		}
		log.G(ctx).WithField("checkpoint", c).Debug("Starting build checkpoint")
		return nil
	}

	if err := step(CheckpointProvision); err != nil {
		return nil, err
	}
	sess, err := e.backend.Provision(ctx, d)
	if err != nil {
		return nil, asBuildError(CheckpointProvision, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.G(ctx).WithError(cerr).Warn("Failed to close build session")
		}
	}()

	libc, err := sess.Libc(ctx)
	if err != nil {
		return nil, asBuildError(CheckpointProvision, err)
	}
	if want := d.BuildFamily(); libc != variant.LibcUnknown && libc != want {
		return nil, &variant.ValidationError{
			Field:  "build-libc",
			Reason: "build base " + d.BuildBase + " provides " + string(libc) + ", expected " + string(want),
		}
	}

	bt = &BuildTree{
		Descriptor: d,
		Owners:     make(map[string]string),
	}

	if err := step(CheckpointNative); err != nil {
		return nil, err
	}
	for _, pin := range variant.Dedup(d.NativePackages) {
		owned, err := sess.InstallNative(ctx, pin)
		if err != nil {
			var nde *variant.NativeDependencyError
			if !errors.As(err, &nde) {
				err = &variant.NativeDependencyError{Package: pin.String(), Err: err}
			}
			return nil, err
		}
		for _, p := range owned {
			if _, ok := bt.Owners[p]; !ok {
				bt.Owners[p] = pin.Name
			}
		}
		bt.NativeOrder = append(bt.NativeOrder, pin.Name)
		log.G(ctx).WithField("package", pin.String()).Debugf("Installed native package with %d paths", len(owned))
	}

	if err := step(CheckpointToolchain); err != nil {
		return nil, err
	}
	if toolchain := variant.Dedup(d.ToolchainPackages); len(toolchain) > 0 {
		if err := sess.InstallEcosystem(ctx, toolchain); err != nil {
			return nil, asBuildError(CheckpointToolchain, err)
		}
	}

	if err := step(CheckpointEcosystem); err != nil {
		return nil, err
	}
	var deps []variant.Pin
	for _, pin := range variant.Dedup(d.EcosystemPackages) {
		if pin.Name != d.Application {
			deps = append(deps, pin)
		}
	}
	if len(deps) > 0 {
		if err := sess.InstallEcosystem(ctx, deps); err != nil {
			return nil, asBuildError(CheckpointEcosystem, err)
		}
	}

	// Executables present before the application install belong to other
	// packages, even when they share its name prefix.
	binDir := d.Prefix() + "/bin"
	before, err := sess.Executables(ctx, binDir, d.ExecutablePrefix())
	if err != nil {
		return nil, asBuildError(CheckpointEntrypoints, err)
	}

	app, _ := d.ApplicationPin()
	if err := sess.InstallEcosystem(ctx, []variant.Pin{app}); err != nil {
		return nil, asBuildError(CheckpointEcosystem, err)
	}

	if err := step(CheckpointEntrypoints); err != nil {
		return nil, err
	}
	after, err := sess.Executables(ctx, binDir, d.ExecutablePrefix())
	if err != nil {
		return nil, asBuildError(CheckpointEntrypoints, err)
	}
	bt.Entrypoints = added(before, after)
	log.G(ctx).Debugf("Application registered entrypoints %v", bt.Entrypoints)

	if err := step(CheckpointSnapshot); err != nil {
		return nil, err
	}
	bt.Tree, err = sess.Snapshot(ctx)
	if err != nil {
		return nil, asBuildError(CheckpointSnapshot, err)
	}

	log.G(ctx).WithField("paths", bt.Tree.Len()).Info("Build stage complete")
	return bt, nil
}

// asBuildError keeps taxonomy errors and wraps anything else in a
// BuildError for the checkpoint.
func asBuildError(c Checkpoint, err error) error {
	for _, kind := range []error{
		variant.ErrValidation,
		variant.ErrNativeDependency,
		variant.ErrPinConflict,
		variant.ErrUnresolvedDependency,
		variant.ErrAssembly,
		variant.ErrBuild,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return &variant.BuildError{Step: string(c), Err: err}
}

func added(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, p := range before {
		seen[p] = true
	}
	var out []string
	for _, p := range after {
		if !seen[p] {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
