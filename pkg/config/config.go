package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/containerd/containerd/log"
	"github.com/pelletier/go-toml/v2"
)

const (
	BackendContainerd = "containerd"
	BackendCatalog    = "catalog"
)

var (
	defaultWorkers     = 2
	defaultTimeout     = "30m"
	defaultOutput      = "dist"
	defaultContext     = "."
	defaultWorkingDir  = "/app"
	defaultAddress     = "/run/containerd/containerd.sock"
	defaultNamespace   = "imagematrix"
	defaultSnapshotter = "overlayfs"
	defaultScheme      = "https"
)

// Config provides imagematrix configuration data.
type Config struct {
	Workers    int    `toml:"workers"`
	Timeout    string `toml:"timeout"`
	Backend    string `toml:"backend"`
	Catalog    string `toml:"catalog"`
	Output     string `toml:"output"`
	Context    string `toml:"context"`
	WorkingDir string `toml:"working-dir"`

	Containerd Containerd `toml:"containerd"`
	Push       Push       `toml:"push"`
}

// Containerd configures the containerd backend and image loading.
type Containerd struct {
	Address     string `toml:"address"`
	Namespace   string `toml:"namespace"`
	Snapshotter string `toml:"snapshotter"`
}

// Push configures registry pushes.
type Push struct {
	DefaultScheme string `toml:"default-scheme"`
	DockerConfig  string `toml:"docker-config"`
}

// New returns a default config.
func New() *Config {
	return &Config{
		Workers:    defaultWorkers,
		Timeout:    defaultTimeout,
		Backend:    BackendContainerd,
		Output:     defaultOutput,
		Context:    defaultContext,
		WorkingDir: defaultWorkingDir,
		Containerd: Containerd{
			Address:     defaultAddress,
			Namespace:   defaultNamespace,
			Snapshotter: defaultSnapshotter,
		},
		Push: Push{
			DefaultScheme: defaultScheme,
		},
	}
}

// Merge will fill any attributes with non-empty override attribute values.
func (cfg *Config) Merge(override *Config) error {
	return mergo.Merge(cfg, override, mergo.WithOverride)
}

// Load will unmarshal a toml file at the given config path and merge it
// with this config. If it doesn't exist, then do nothing.
func (cfg *Config) Load(ctx context.Context, configPath string) error {
	r, err := os.Open(configPath)
	if err != nil {
		log.G(ctx).WithError(err).Debugf("Not loading config from %q", configPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.G(ctx).WithError(err).Debugf("Failed to close config file")
		}
	}()

	log.G(ctx).Debugf("Loading config from %q", configPath)
	override := &Config{}
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(override); err != nil {
		return fmt.Errorf("failed to load imagematrix config from %q: %w", configPath, err)
	}

	err = cfg.Merge(override)
	if err != nil {
		return fmt.Errorf("failed to merge imagematrix config from %q: %w", configPath, err)
	}

	log.G(ctx).Debugf("Loaded config %+v", cfg)
	return nil
}

// Validate checks values that cannot be checked while decoding.
func (cfg *Config) Validate() error {
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if _, err := cfg.TimeoutDuration(); err != nil {
		return err
	}
	switch cfg.Backend {
	case BackendContainerd:
	case BackendCatalog:
		if cfg.Catalog == "" {
			return fmt.Errorf("backend %q requires a catalog path", cfg.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

// TimeoutDuration parses the per-variant timeout. An empty timeout or "0"
// disables it.
func (cfg *Config) TimeoutDuration() (time.Duration, error) {
	if cfg.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
	}
	return d, nil
}
