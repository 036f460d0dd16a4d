package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"testing/fstest"
	"time"

	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/content/local"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/pkg/testutil"
	"github.com/stretchr/testify/require"
)

var testPlatform = ocispec.Platform{OS: "linux", Architecture: "amd64"}

func newStore(t *testing.T) content.Store {
	store, err := local.NewStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return store
}

func testImage(t *testing.T, id string) *assemble.TaggedImage {
	tree := fstree.New()
	require.NoError(t, tree.WriteFile("/usr/local/bin/app-server", []byte("#!/usr/local/bin/python3\n"), 0o755))
	require.NoError(t, tree.Symlink("app-server", "/usr/local/bin/app"))
	require.NoError(t, tree.Mkdir("/app", 0o755))

	layer, err := tree.Subset([]string{"/usr/local/bin/app-server"})
	require.NoError(t, err)

	return &assemble.TaggedImage{
		ID:    id,
		Tags:  []string{id},
		Tree:  tree,
		Layer: layer,
		Config: ocispec.ImageConfig{
			Entrypoint: []string{"/usr/local/bin/docker-entrypoint.sh"},
			Env:        []string{"LIBRARY_SEARCH_PATH=/usr/local/lib"},
			WorkingDir: "/app",
		},
	}
}

func writeBaseArchive(t *testing.T) string {
	ctx := context.Background()
	archivePath := filepath.Join(t.TempDir(), "base.tar")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	defer f.Close()

	_, err = Export(ctx, newStore(t), testImage(t, "base"), f, WithPlatform(testPlatform))
	require.NoError(t, err)
	return archivePath
}

func TestInitializeManifest(t *testing.T) {
	type testCase struct {
		name         string
		setup        func(t *testing.T) []GenerateOpt
		expectedMfst ocispec.Manifest
		expectedCfg  ocispec.Image
	}

	config := testImage(t, "py3.9-alpine").Config
	for _, tc := range []testCase{
		{
			"empty",
			func(t *testing.T) []GenerateOpt {
				return nil
			},
			ocispec.Manifest{
				MediaType: ocispec.MediaTypeImageManifest,
				Versioned: specs.Versioned{
					SchemaVersion: 2,
				},
				Annotations: map[string]string{
					VariantAnnotation: "py3.9-alpine",
				},
			},
			ocispec.Image{
				Config:   config,
				Platform: testPlatform,
				RootFS: ocispec.RootFS{
					Type: "layers",
				},
			},
		},
		{
			"base_archive",
			func(t *testing.T) []GenerateOpt {
				return []GenerateOpt{WithBaseArchive(writeBaseArchive(t))}
			},
			ocispec.Manifest{
				MediaType: ocispec.MediaTypeImageManifest,
				Versioned: specs.Versioned{
					SchemaVersion: 2,
				},
				Layers: []ocispec.Descriptor{
					{
						MediaType: ocispec.MediaTypeImageLayerGzip,
					},
				},
				Annotations: map[string]string{
					VariantAnnotation: "py3.9-alpine",
				},
			},
			ocispec.Image{
				Config:   config,
				Platform: testPlatform,
				RootFS: ocispec.RootFS{
					Type: "layers",
				},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			opts := append(tc.setup(t), WithPlatform(testPlatform))
			mfst, cfg, err := initializeManifest(ctx, testImage(t, "py3.9-alpine"), newStore(t), generateOpts(opts))
			require.NoError(t, err)

			// Reset for ease of testing
			for idx := range mfst.Layers {
				mfst.Layers[idx].Digest = ""
				mfst.Layers[idx].Size = 0
			}
			if len(cfg.RootFS.DiffIDs) > 0 {
				require.Len(t, cfg.RootFS.DiffIDs, len(mfst.Layers))
			}
			cfg.RootFS.DiffIDs = nil

			testutil.IsIdentical(t, mfst, tc.expectedMfst)
			testutil.IsIdentical(t, cfg, tc.expectedCfg)
		})
	}
}

func TestWriteTreeLayer(t *testing.T) {
	ctx := context.Background()
	img := testImage(t, "py3.9-alpine")

	buf := new(bytes.Buffer)
	diffID, err := writeTreeLayer(ctx, buf, img.Tree)
	require.NoError(t, err)
	require.NotEmpty(t, diffID)

	tempFs, err := newMapFSFromTar(buf.Bytes())
	require.NoError(t, err)

	var fsOut []string
	for path, attrs := range tempFs {
		fsOut = append(fsOut, "/"+path)
		require.False(t, attrs.ModTime.After(time.Unix(0, 0)))
	}
	sort.Strings(fsOut)

	testutil.IsIdentical(t, fsOut, []string{
		"/app/",
		"/usr/",
		"/usr/local/",
		"/usr/local/bin/",
		"/usr/local/bin/app",
		"/usr/local/bin/app-server",
	})

	server := tempFs["usr/local/bin/app-server"]
	require.Equal(t, "#!/usr/local/bin/python3\n", string(server.Data))
	require.Equal(t, fs.FileMode(0o755), server.Mode.Perm())

	// Identical trees produce identical layers.
	again := new(bytes.Buffer)
	againID, err := writeTreeLayer(ctx, again, img.Tree)
	require.NoError(t, err)
	require.Equal(t, diffID, againID)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		opts   func(t *testing.T) []GenerateOpt
		layers int
	}{
		{"full_tree", func(t *testing.T) []GenerateOpt { return nil }, 1},
		{"delta_on_base", func(t *testing.T) []GenerateOpt {
			return []GenerateOpt{WithBaseArchive(writeBaseArchive(t))}
		}, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			desc, err := Generate(ctx, testImage(t, "py3.9-alpine"), store, tc.opts(t)...)
			require.NoError(t, err)
			require.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)

			var mfst ocispec.Manifest
			require.NoError(t, readJSON(ctx, store, desc, &mfst))
			require.Len(t, mfst.Layers, tc.layers)

			var cfg ocispec.Image
			require.NoError(t, readJSON(ctx, store, mfst.Config, &cfg))
			require.Len(t, cfg.RootFS.DiffIDs, tc.layers)
			require.Equal(t, []string{"/usr/local/bin/docker-entrypoint.sh"}, cfg.Config.Entrypoint)
		})
	}
}

func newMapFSFromTar(tarBytes []byte) (fstest.MapFS, error) {
	gzRead, err := gzip.NewReader(bytes.NewReader(tarBytes))
	if err != nil {
		return nil, err
	}
	tarRead := tar.NewReader(gzRead)

	files := make(fstest.MapFS)
	for {
		cur, err := tarRead.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		data, err := io.ReadAll(tarRead)
		if err != nil {
			return nil, err
		}

		files[cur.Name] = &fstest.MapFile{
			Data:    data,
			Mode:    fs.FileMode(cur.Mode),
			ModTime: cur.ModTime,
		}
	}

	return files, nil
}
