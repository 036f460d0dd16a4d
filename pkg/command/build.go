package command

import (
	"fmt"
	"os"

	"github.com/containerd/containerd/content/local"
	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/image"
	cli "github.com/urfave/cli/v2"
)

var buildCommand = &cli.Command{
	Name:      "build",
	Usage:     "builds every variant and exports an OCI archive per variant",
	ArgsUsage: "<descriptors>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "output",
			Usage: "directory archives and image JSON are written to",
		},
		&cli.StringFlag{
			Name:  "base-archive",
			Usage: "OCI archive of the runtime base; only the delta layer is generated",
		},
		&cli.BoolFlag{
			Name:  "push",
			Usage: "push every successful image to its tags",
		},
		&cli.StringFlag{
			Name:  "default-scheme",
			Usage: "registry scheme used when pushing",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return fmt.Errorf("must provide at least 1 descriptor document")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if c.IsSet("default-scheme") {
			cfg.Push.DefaultScheme = c.String("default-scheme")
		}

		report, err := runMatrix(c.Context, cfg, c.Args().Slice())
		if err != nil {
			return err
		}

		root, err := os.MkdirTemp(image.TempDir(), "imagematrix-build")
		if err != nil {
			return err
		}
		defer os.RemoveAll(root)

		store, err := local.NewStore(root)
		if err != nil {
			return err
		}

		var opts []image.GenerateOpt
		if c.IsSet("base-archive") {
			opts = append(opts, image.WithBaseArchive(c.String("base-archive")))
		}
		pushCfg := image.PushConfig{
			DefaultScheme: cfg.Push.DefaultScheme,
			DockerConfig:  cfg.Push.DockerConfig,
		}

		failed := len(report.Failed())
		for _, res := range report.Results {
			if res.Err != nil {
				continue
			}
			ctx := log.WithLogger(c.Context, log.G(c.Context).WithField("variant", res.ID))

			desc, err := image.Generate(ctx, res.Image, store, opts...)
			if err != nil {
				log.G(ctx).WithError(err).Error("Failed to generate image")
				failed++
				continue
			}
			if _, err := image.WriteFile(ctx, store, res.Image, desc, cfg.Output, opts...); err != nil {
				log.G(ctx).WithError(err).Error("Failed to export image")
				failed++
				continue
			}
			if !c.Bool("push") {
				continue
			}

			for _, tag := range res.Image.Tags {
				if err := image.Push(ctx, store, desc, tag, image.WithPushConfig(pushCfg)); err != nil {
					log.G(ctx).WithError(err).WithField("ref", tag).Error("Failed to push image")
					failed++
				}
			}
		}

		fmt.Fprint(c.App.Writer, report.String())
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d variant(s) failed", failed), 1)
		}
		return nil
	},
}
