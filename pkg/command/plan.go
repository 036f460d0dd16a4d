package command

import (
	"encoding/json"
	"fmt"

	cli "github.com/urfave/cli/v2"
)

var planCommand = &cli.Command{
	Name:      "plan",
	Usage:     "builds every variant and prints the resolved closures as JSON without exporting",
	ArgsUsage: "<descriptors>...",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return fmt.Errorf("must provide at least 1 descriptor document")
		}

		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		report, err := runMatrix(c.Context, cfg, c.Args().Slice())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report.Summary()); err != nil {
			return err
		}
		if code := report.ExitCode(); code != 0 {
			return cli.Exit(fmt.Sprintf("%d variant(s) failed", len(report.Failed())), code)
		}
		return nil
	},
}
