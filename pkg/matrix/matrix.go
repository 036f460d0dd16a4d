// Package matrix runs the build pipeline for every variant of a matrix.
package matrix

import (
	"context"
	"time"

	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/pkg/closure"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 2

// Driver fans the per-variant pipeline out across a bounded number of
// workers.
type Driver struct {
	backend   stage.Backend
	executor  *stage.Executor
	assembler *assemble.Assembler
	workers   int
	timeout   time.Duration
}

// Opt configures a Driver.
type Opt func(*Driver)

// WithWorkers limits how many variants build at once.
func WithWorkers(n int) Opt {
	return func(d *Driver) {
		d.workers = n
	}
}

// WithTimeout bounds the duration of each variant. Zero means no limit.
func WithTimeout(timeout time.Duration) Opt {
	return func(d *Driver) {
		d.timeout = timeout
	}
}

// WithAssembler replaces the default assembler.
func WithAssembler(a *assemble.Assembler) Opt {
	return func(d *Driver) {
		d.assembler = a
	}
}

// New returns a driver building on backend.
func New(backend stage.Backend, opts ...Opt) *Driver {
	d := &Driver{
		backend:   backend,
		executor:  stage.NewExecutor(backend),
		assembler: assemble.New(),
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}
	return d
}

// BuildAll builds every descriptor and returns one result per descriptor in
// input order. A failing variant never affects the others; BuildAll itself
// does not fail.
func (d *Driver) BuildAll(ctx context.Context, descriptors []variant.Descriptor) *Report {
	results := make([]Result, len(descriptors))
	seen := make(map[string]bool, len(descriptors))

	var eg errgroup.Group
	eg.SetLimit(d.workers)
	for i := range descriptors {
		desc := descriptors[i]
		results[i].ID = desc.ID

		if desc.ID != "" && seen[desc.ID] {
			results[i].Err = &variant.ValidationError{Variant: desc.ID, Field: "id", Reason: "declared more than once"}
			continue
		}
		seen[desc.ID] = true

		i := i
		eg.Go(func() error {
			start := time.Now()
			img, err := d.Build(ctx, &desc)
			results[i].Image = img
			results[i].Err = err
			results[i].Duration = time.Since(start)
			return nil
		})
	}
	_ = eg.Wait()

	return &Report{Results: results}
}

// Build runs the pipeline of a single variant: validation, build stage,
// closure resolution and assembly.
func (d *Driver) Build(ctx context.Context, desc *variant.Descriptor) (img *assemble.TaggedImage, err error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("variant", desc.ID))
	parent := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			step := "cancelled"
			if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				step = "timeout"
			}
			err = &variant.BuildError{Step: step, Err: &interrupted{ctxErr: ctx.Err(), cause: err}}
		}
		err = variant.Attribute(err, desc.ID)
		if err != nil {
			log.G(ctx).WithError(err).Error("Variant failed")
		}
	}()

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	log.G(ctx).Info("Building variant")
	bt, err := d.executor.Execute(ctx, desc)
	if err != nil {
		return nil, err
	}

	runtimeBase, err := d.backend.RuntimeBase(ctx, desc.RuntimeBase)
	if err != nil {
		return nil, &variant.BuildError{Step: "runtime-base", Err: err}
	}
	if got, want := runtimeBase.Libc(), desc.RuntimeFamily(); got != variant.LibcUnknown && got != want {
		return nil, &variant.ValidationError{
			Field:  "runtime-libc",
			Reason: "runtime base " + desc.RuntimeBase + " provides " + string(got) + ", expected " + string(want),
		}
	}

	c, err := closure.Resolve(ctx, bt, runtimeBase)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, &variant.BuildError{Step: "assemble", Err: err}
	}
	return d.assembler.Assemble(ctx, runtimeBase, bt, c)
}

// interrupted is a failure observed after the variant context ended. Both
// the context error and the failure stay in the chain.
type interrupted struct {
	ctxErr error
	cause  error
}

func (e *interrupted) Error() string {
	return e.ctxErr.Error() + ": " + e.cause.Error()
}

func (e *interrupted) Unwrap() []error { return []error{e.ctxErr, e.cause} }
