package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/pkg/transfer"
	tarchive "github.com/containerd/containerd/pkg/transfer/archive"
	transferimage "github.com/containerd/containerd/pkg/transfer/image"
	"github.com/containerd/containerd/platforms"
)

// Load imports an image archive into containerd and unpacks it with the
// given snapshotter.
func Load(ctx context.Context, client *containerd.Client, archivePath, snapshotter string) (containerd.Image, error) {
	log.G(ctx).WithField("archive", archivePath).Info("Loading archive")
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src := tarchive.NewImageImportStream(f, "")

	platSpec := platforms.DefaultSpec()
	prefix := fmt.Sprintf("import-%s", filepath.Base(archivePath))
	storeOpts := []transferimage.StoreOpt{
		transferimage.WithPlatforms(platSpec),
		transferimage.WithUnpack(platSpec, snapshotter),
		// WithNamedPrefix is necessary for containerd's Transfer service to create
		// an image with the reference found inside the OCI tarball.
		transferimage.WithNamedPrefix(prefix, true),
	}

	dest := transferimage.NewStore("", storeOpts...)

	var ref string
	progressFunc := func(p transfer.Progress) {
		if p.Event == "saved" {
			ref = p.Name
		}
	}

	log.G(ctx).Info("Importing image")
	err = client.Transfer(ctx, src, dest, transfer.WithProgress(progressFunc))
	if err != nil {
		return nil, err
	}

	img, err := client.GetImage(ctx, ref)
	if err != nil {
		return nil, err
	}

	log.G(ctx).WithField("ref", ref).Info("Created image")
	return img, nil
}
