package image

import (
	"context"

	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/platforms"
	"github.com/containerd/containerd/remotes"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/semaphore"
)

// PushConfig configures registry access.
type PushConfig struct {
	// DefaultScheme is "https" unless overridden, e.g. with "http" for local
	// insecure registries.
	DefaultScheme string

	// DockerConfig is the path of the docker login credentials file. When
	// empty $HOME/.docker/config.json is used.
	DockerConfig string
}

type PushOpt func(*PushOpts)

type PushOpts struct {
	Config         PushConfig
	GetPusher      func(context.Context, *PushConfig, string) (remotes.Pusher, error)
	GetPushContent func(context.Context, remotes.Pusher, ocispec.Descriptor, content.Provider, *semaphore.Weighted, platforms.MatchComparer, func(h images.Handler) images.Handler) error
}

// WithPushConfig sets the registry configuration.
func WithPushConfig(cfg PushConfig) PushOpt {
	return func(o *PushOpts) {
		o.Config = cfg
	}
}

// Push pushes an image generated into store, and all the blobs it
// references, to a registry under ref.
func Push(ctx context.Context, store content.Provider, desc ocispec.Descriptor, ref string, opts ...PushOpt) error {
	var pOpts PushOpts
	pOpts.GetPusher = newPusher
	pOpts.GetPushContent = remotes.PushContent

	// Replaces pOpts with mock objects if testing
	for _, opt := range opts {
		opt(&pOpts)
	}

	pusher, err := pOpts.GetPusher(ctx, &pOpts.Config, ref)
	if err != nil {
		return err
	}

	log.G(ctx).WithField("ref", ref).WithField("digest", desc.Digest).Info("Pushing image")
	return pOpts.GetPushContent(ctx, pusher, desc, store, nil, platforms.All, nil)
}
