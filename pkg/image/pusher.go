package image

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	criconfig "github.com/containerd/containerd/pkg/cri/config"
	"github.com/containerd/containerd/pkg/cri/server"
	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	"github.com/containerd/containerd/remotes/docker/config"
	"github.com/pkg/errors"
	runtime "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// dockerHubAuthKey is the key docker login stores Docker Hub credentials
// under.
const dockerHubAuthKey = "https://index.docker.io/v1/"

// newPusher returns a remotes.Pusher that automatically authenticates
// using docker login credentials.
func newPusher(ctx context.Context, cfg *PushConfig, ref string) (remotes.Pusher, error) {
	creds, err := dockerCredentials(cfg.DockerConfig)
	if err != nil {
		return nil, err
	}

	// Allow insecure registries via the "http" default scheme.
	hostOpts := config.HostOptions{
		DefaultScheme: cfg.DefaultScheme,
		Credentials:   creds,
	}
	resolver := docker.NewResolver(docker.ResolverOptions{
		Hosts: config.ConfigureHosts(ctx, hostOpts),
	})
	return resolver.Pusher(ctx, ref)
}

// dockerCredentials returns a credentials callback backed by a docker config
// file. A missing file or an unknown host yields anonymous access.
func dockerCredentials(configPath string) (func(string) (string, string, error), error) {
	if configPath == "" {
		configPath = filepath.Join(os.Getenv("HOME"), ".docker", "config.json")
	}

	dt, err := os.ReadFile(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	var registry criconfig.Registry
	if len(dt) > 0 {
		if err := json.Unmarshal(dt, &registry); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q", configPath)
		}
	}

	return func(host string) (string, string, error) {
		authConfig, ok := lookupAuth(registry.Auths, host)
		if !ok {
			return "", "", nil
		}
		auth := &runtime.AuthConfig{
			Username:      authConfig.Username,
			Password:      authConfig.Password,
			Auth:          authConfig.Auth,
			IdentityToken: authConfig.IdentityToken,
		}
		return server.ParseAuth(auth, host)
	}, nil
}

func lookupAuth(auths map[string]criconfig.AuthConfig, host string) (criconfig.AuthConfig, bool) {
	keys := []string{host, "https://" + host, "http://" + host}
	if host == "registry-1.docker.io" || host == "docker.io" {
		keys = append(keys, dockerHubAuthKey)
	}
	for _, k := range keys {
		if auth, ok := auths[k]; ok {
			return auth, true
		}
	}
	return criconfig.AuthConfig{}, false
}
