package command

import (
	"fmt"

	cli "github.com/urfave/cli/v2"
)

var validateCommand = &cli.Command{
	Name:      "validate",
	Usage:     "validates descriptor documents without building",
	ArgsUsage: "<descriptors>...",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return fmt.Errorf("must provide at least 1 descriptor document")
		}

		descs, err := loadDescriptors(c.Context, c.Args().Slice())
		if err != nil {
			return err
		}

		invalid := 0
		seen := make(map[string]bool)
		for i := range descs {
			d := &descs[i]
			err := d.Validate()
			if err == nil && seen[d.ID] {
				err = fmt.Errorf("variant %q: declared more than once", d.ID)
			}
			seen[d.ID] = true

			if err != nil {
				invalid++
				fmt.Fprintf(c.App.Writer, "INVALID %s\n", err)
				continue
			}
			fmt.Fprintf(c.App.Writer, "OK      %s (%s -> %s)\n", d.ID, d.BuildBase, d.RuntimeBase)
		}

		if invalid > 0 {
			return cli.Exit(fmt.Sprintf("%d variant(s) invalid", invalid), 1)
		}
		return nil
	},
}
