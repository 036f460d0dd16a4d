package command

import (
	"fmt"

	"github.com/pdtpartners/imagematrix/pkg/image"
	cli "github.com/urfave/cli/v2"
)

var loadCommand = &cli.Command{
	Name:      "load",
	Usage:     "loads an exported archive into containerd",
	ArgsUsage: "<archive>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("must provide exactly 1 args")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		client, err := dial(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		img, err := image.Load(c.Context, client, c.Args().Get(0), cfg.Containerd.Snapshotter)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, img.Name())
		return nil
	},
}
