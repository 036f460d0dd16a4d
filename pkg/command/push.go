package command

import (
	"context"
	"fmt"
	"os"

	"github.com/containerd/containerd/content/local"
	"github.com/containerd/containerd/images/archive"
	"github.com/pdtpartners/imagematrix/pkg/config"
	"github.com/pdtpartners/imagematrix/pkg/image"
	cli "github.com/urfave/cli/v2"
)

var pushCommand = &cli.Command{
	Name:      "push",
	Usage:     "pushes an exported variant archive described by its image JSON",
	ArgsUsage: "<image-json> [ref]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 || c.NArg() > 2 {
			return fmt.Errorf("must provide 1 or 2 args")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		args := c.Args()
		return push(c.Context, cfg, args.Get(0), args.Get(1))
	},
}

// push imports the archive of an exported variant into a scratch store and
// pushes it to ref, or to every tag of the image when ref is empty.
func push(ctx context.Context, cfg *config.Config, imageJSONPath, ref string) error {
	meta, err := image.ReadMetadata(imageJSONPath)
	if err != nil {
		return err
	}

	root, err := os.MkdirTemp(image.TempDir(), "imagematrix-push")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	store, err := local.NewStore(root)
	if err != nil {
		return err
	}

	f, err := os.Open(meta.Archive)
	if err != nil {
		return err
	}
	defer f.Close()

	desc, err := archive.ImportIndex(ctx, store, f)
	if err != nil {
		return err
	}

	refs := meta.Tags
	if ref != "" {
		refs = []string{ref}
	}
	pushCfg := image.PushConfig{
		DefaultScheme: cfg.Push.DefaultScheme,
		DockerConfig:  cfg.Push.DockerConfig,
	}
	for _, r := range refs {
		if err := image.Push(ctx, store, desc, r, image.WithPushConfig(pushCfg)); err != nil {
			return err
		}
	}
	return nil
}
