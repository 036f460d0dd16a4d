// Package ctrd implements the build backend on containerd. Build bases run as
// long-lived containers that package installers are executed in; runtime
// bases are read straight from the content store.
package ctrd

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/stage"
	"github.com/pdtpartners/imagematrix/pkg/variant"
	"github.com/pkg/errors"
)

// DefaultSnapshotter is the snapshotter build containers are created with.
const DefaultSnapshotter = "overlayfs"

// Backend provisions build containers with containerd.
type Backend struct {
	client      *containerd.Client
	snapshotter string
	platform    platforms.MatchComparer
}

var _ stage.Backend = (*Backend)(nil)

// Opt configures a Backend.
type Opt func(*Backend)

// WithSnapshotter sets the snapshotter used for build containers.
func WithSnapshotter(name string) Opt {
	return func(b *Backend) {
		if name != "" {
			b.snapshotter = name
		}
	}
}

// New returns a backend using client.
func New(client *containerd.Client, opts ...Opt) *Backend {
	b := &Backend{
		client:      client,
		snapshotter: DefaultSnapshotter,
		platform:    platforms.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to containerd at address, scoping requests to namespace.
func Dial(address, namespace string) (*containerd.Client, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to containerd at %q", address)
	}
	return client, nil
}

func (b *Backend) pull(ctx context.Context, ref string, unpack bool) (containerd.Image, error) {
	if img, err := b.client.GetImage(ctx, ref); err == nil {
		if !unpack {
			return img, nil
		}
		if ok, err := img.IsUnpacked(ctx, b.snapshotter); err == nil && ok {
			return img, nil
		}
		return img, img.Unpack(ctx, b.snapshotter)
	}

	log.G(ctx).WithField("ref", ref).Info("Pulling image")
	opts := []containerd.RemoteOpt{containerd.WithPlatformMatcher(b.platform)}
	if unpack {
		opts = append(opts, containerd.WithPullUnpack, containerd.WithPullSnapshotter(b.snapshotter))
	}
	return b.client.Pull(ctx, ref, opts...)
}

var containerSeq atomic.Uint64

// Provision implements stage.Backend. It starts a container from the build
// base that idles until the session is closed.
func (b *Backend) Provision(ctx context.Context, d *variant.Descriptor) (stage.Session, error) {
	img, err := b.pull(ctx, d.BuildBase, true)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pull %q", d.BuildBase)
	}

	id := containerID(d.ID)
	ctr, err := b.client.NewContainer(ctx, id,
		containerd.WithImage(img),
		containerd.WithSnapshotter(b.snapshotter),
		containerd.WithNewSnapshot(id, img),
		containerd.WithNewSpec(
			oci.WithImageConfig(img),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
			oci.WithHostHostsFile,
			oci.WithProcessArgs("sleep", "infinity"),
		),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create build container for %q", d.BuildBase)
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		s := &session{ctr: ctr, task: task}
		s.Close()
		return nil, err
	}

	log.G(ctx).WithField("container", id).Debug("Started build container")
	ns, _ := namespaces.Namespace(ctx)
	return &session{
		d:         d,
		namespace: ns,
		ctr:       ctr,
		task:      task,
		process:   *spec.Process,
		manager:   managerFor(d.BuildFamily()),
	}, nil
}

// RuntimeBase implements stage.Backend by applying the image layers from the
// content store in order.
func (b *Backend) RuntimeBase(ctx context.Context, ref string) (*fstree.Tree, error) {
	img, err := b.pull(ctx, ref, false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pull %q", ref)
	}

	store := b.client.ContentStore()
	mfst, err := images.Manifest(ctx, store, img.Target(), b.platform)
	if err != nil {
		return nil, err
	}

	tree := fstree.New()
	for _, layer := range mfst.Layers {
		if err := applyLayer(ctx, store, layer, tree); err != nil {
			return nil, errors.Wrapf(err, "failed to apply layer %s of %q", layer.Digest, ref)
		}
	}

	log.G(ctx).WithField("ref", ref).Debugf("Read runtime base with %d paths", tree.Len())
	return tree, nil
}

func applyLayer(ctx context.Context, store content.Provider, layer ocispec.Descriptor, tree *fstree.Tree) error {
	ra, err := store.ReaderAt(ctx, layer)
	if err != nil {
		return err
	}
	defer ra.Close()

	ds, err := compression.DecompressStream(content.NewReader(ra))
	if err != nil {
		return err
	}
	defer ds.Close()

	return tree.ApplyTar(ds)
}

// containerID derives a unique container id from a variant id.
func containerID(variantID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, variantID)
	return fmt.Sprintf("imagematrix-%s-%d-%d", clean, time.Now().Unix(), containerSeq.Add(1))
}
