package command

import (
	"context"

	"github.com/containerd/containerd"
	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/pkg/catalog"
	"github.com/pdtpartners/imagematrix/pkg/config"
	"github.com/pdtpartners/imagematrix/pkg/ctrd"
	"github.com/pdtpartners/imagematrix/pkg/matrix"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
)

// newBackend returns the configured build backend and a function releasing
// it.
func newBackend(ctx context.Context, cfg *config.Config) (stage.Backend, func() error, error) {
	if cfg.Backend == config.BackendCatalog {
		c, err := catalog.Load(ctx, cfg.Catalog)
		if err != nil {
			return nil, nil, err
		}
		return catalog.New(c), func() error { return nil }, nil
	}

	client, err := dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ctrd.New(client, ctrd.WithSnapshotter(cfg.Containerd.Snapshotter)), client.Close, nil
}

func dial(cfg *config.Config) (*containerd.Client, error) {
	return ctrd.Dial(cfg.Containerd.Address, cfg.Containerd.Namespace)
}

func newDriver(cfg *config.Config, backend stage.Backend) (*matrix.Driver, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	a := assemble.New(
		assemble.WithContextDir(cfg.Context),
		assemble.WithWorkingDir(cfg.WorkingDir),
	)
	return matrix.New(backend,
		matrix.WithWorkers(cfg.Workers),
		matrix.WithTimeout(timeout),
		matrix.WithAssembler(a),
	), nil
}

// loadDescriptors reads every descriptor document named on the command line
// in order.
func loadDescriptors(ctx context.Context, paths []string) ([]variant.Descriptor, error) {
	var descs []variant.Descriptor
	for _, p := range paths {
		ds, err := variant.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		descs = append(descs, ds...)
	}
	return descs, nil
}

// runMatrix builds every variant of the given documents.
func runMatrix(ctx context.Context, cfg *config.Config, paths []string) (*matrix.Report, error) {
	descs, err := loadDescriptors(ctx, paths)
	if err != nil {
		return nil, err
	}

	backend, release, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	drv, err := newDriver(cfg, backend)
	if err != nil {
		return nil, err
	}
	return drv.BuildAll(ctx, descs), nil
}
