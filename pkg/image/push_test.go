package image

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/platforms"
	"github.com/containerd/containerd/remotes"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

type mockPusher struct {
	remotes.Pusher
	ref string
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	desc, err := Generate(ctx, testImage(t, "py3.9-alpine"), store)
	require.NoError(t, err)

	var (
		gotCfg    *PushConfig
		pushed    ocispec.Descriptor
		pushedRef string
	)
	getPusher := func(ctx context.Context, cfg *PushConfig, ref string) (remotes.Pusher, error) {
		gotCfg = cfg
		return &mockPusher{ref: ref}, nil
	}
	getPushContent := func(ctx context.Context, pusher remotes.Pusher, desc ocispec.Descriptor, provider content.Provider, limiter *semaphore.Weighted, platform platforms.MatchComparer, wrapper func(h images.Handler) images.Handler) error {
		pushedRef = pusher.(*mockPusher).ref
		pushed = desc

		var mfst ocispec.Manifest
		return readJSON(ctx, provider, desc, &mfst)
	}

	err = Push(ctx, store, desc, "localhost:5000/app:py3.9-alpine",
		WithPushConfig(PushConfig{DefaultScheme: "http"}),
		func(o *PushOpts) {
			o.GetPusher = getPusher
			o.GetPushContent = getPushContent
		},
	)
	require.NoError(t, err)
	require.Equal(t, "http", gotCfg.DefaultScheme)
	require.Equal(t, "localhost:5000/app:py3.9-alpine", pushedRef)
	require.Equal(t, desc, pushed)
}

func TestDockerCredentials(t *testing.T) {
	type testCase struct {
		name         string
		host         string
		expectedUser string
		expectedPass string
	}

	configPath := filepath.Join(t.TempDir(), "config.json")
	basic := base64.StdEncoding.EncodeToString([]byte("ci:hunter2"))
	err := os.WriteFile(configPath, []byte(`{
  "auths": {
    "https://index.docker.io/v1/": {"auth": "`+basic+`"},
    "ghcr.io": {"username": "bot", "password": "token"},
    "registry.example.com": {"identitytoken": "refresh"},
    "http://localhost:5000": {"username": "dev", "password": "secret", "auth": "`+basic+`"}
  }
}`), 0o600)
	require.NoError(t, err)

	creds, err := dockerCredentials(configPath)
	require.NoError(t, err)

	for _, tc := range []testCase{
		{"docker_hub", "registry-1.docker.io", "ci", "hunter2"},
		{"plain", "ghcr.io", "bot", "token"},
		{"identity_token", "registry.example.com", "", "refresh"},
		{"username_over_auth", "localhost:5000", "dev", "secret"},
		{"anonymous", "quay.io", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			user, pass, err := creds(tc.host)
			require.NoError(t, err)
			require.Equal(t, tc.expectedUser, user)
			require.Equal(t, tc.expectedPass, pass)
		})
	}

	missing, err := dockerCredentials(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	user, pass, err := missing("ghcr.io")
	require.NoError(t, err)
	require.Empty(t, user+pass)
}
