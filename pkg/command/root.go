package command

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/log"
	"github.com/pdtpartners/imagematrix/pkg/config"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

const defaultConfigPath = "/etc/imagematrix/config.toml"

func NewApp(ctx context.Context) *cli.App {
	return &cli.App{
		Name:  "imagematrix",
		Usage: "build minimal runtime images for a matrix of base images and interpreter versions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the TOML config file",
				Value:   defaultConfigPath,
				EnvVars: []string{"IMAGEMATRIX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "set the logging format [text, json]",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "build backend [containerd, catalog]",
			},
			&cli.StringFlag{
				Name:  "catalog",
				Usage: "catalog document served by the catalog backend",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of variants built concurrently",
			},
			&cli.StringFlag{
				Name:  "timeout",
				Usage: "per-variant timeout, e.g. 30m",
			},
			&cli.StringFlag{
				Name:  "context",
				Usage: "directory entrypoint scripts are read from",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "containerd address",
			},
			&cli.StringFlag{
				Name:  "namespace",
				Usage: "containerd namespace",
			},
		},
		Before: func(c *cli.Context) error {
			c.Context = ctx
			return configureLogging(c.String("log-level"), c.String("log-format"))
		},
		Commands: []*cli.Command{
			buildCommand,
			planCommand,
			validateCommand,
			pushCommand,
			loadCommand,
		},
	}
}

func configureLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: log.RFC3339NanoFixed,
			FullTimestamp:   true,
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: log.RFC3339NanoFixed,
		})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.New()
	if err := cfg.Load(c.Context, c.String("config")); err != nil {
		return nil, err
	}

	override := &config.Config{
		Workers: c.Int("workers"),
		Timeout: c.String("timeout"),
		Backend: c.String("backend"),
		Catalog: c.String("catalog"),
		Context: c.String("context"),
		Containerd: config.Containerd{
			Address:   c.String("address"),
			Namespace: c.String("namespace"),
		},
	}
	if c.IsSet("output") {
		override.Output = c.String("output")
	}
	if err := cfg.Merge(override); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}
