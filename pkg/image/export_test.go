package image

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func TestExportFile(t *testing.T) {
	ctx := context.Background()
	outputDir := filepath.Join(t.TempDir(), "dist")
	img := testImage(t, "py3.11-debian")

	meta, err := ExportFile(ctx, newStore(t), img, outputDir, WithPlatform(testPlatform))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, "py3.11-debian.tar"), meta.Archive)
	require.Equal(t, "amd64", meta.Architecture)
	require.NotEmpty(t, meta.Manifest)

	format, err := DetectArchiveFormat(meta.Archive)
	require.NoError(t, err)
	require.Equal(t, ArchiveFormatDocker, format)

	read, err := ReadMetadata(filepath.Join(outputDir, "py3.11-debian.json"))
	require.NoError(t, err)
	require.Equal(t, meta, read)

	// The exported archive can serve as the base of another image.
	mfst, cfg, err := parseArchive(ctx, newStore(t), meta.Archive)
	require.NoError(t, err)
	require.Len(t, mfst.Layers, 1)
	require.Equal(t, img.Config.Entrypoint, cfg.Config.Entrypoint)
}

func TestWriteFileGenerated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	img := testImage(t, "py3.9-alpine")

	desc, err := Generate(ctx, img, store, WithPlatform(testPlatform))
	require.NoError(t, err)

	outputDir := t.TempDir()
	meta, err := WriteFile(ctx, store, img, desc, outputDir, WithPlatform(testPlatform))
	require.NoError(t, err)
	require.Equal(t, desc.Digest.String(), meta.Manifest)

	// The archive holds the generated manifest, so it reimports to the same
	// descriptor.
	mfst, _, err := parseArchive(ctx, newStore(t), meta.Archive)
	require.NoError(t, err)
	var generated ocispec.Manifest
	require.NoError(t, readJSON(ctx, store, desc, &generated))
	require.Equal(t, generated.Config.Digest, mfst.Config.Digest)
	require.Len(t, mfst.Layers, len(generated.Layers))
	for i := range generated.Layers {
		require.Equal(t, generated.Layers[i].Digest, mfst.Layers[i].Digest)
	}
}

func TestDetectArchiveFormat(t *testing.T) {
	type testCase struct {
		name     string
		files    []string
		raw      []byte
		expected ArchiveFormat
	}

	for _, tc := range []testCase{
		{"not_a_tarball", nil, []byte(`{"id": "py3.9-alpine"}`), ArchiveFormatUnknown},
		{"empty_tarball", []string{}, nil, ArchiveFormatUnknown},
		{"oci_layout", []string{"oci-layout", "index.json", "blobs/"}, nil, ArchiveFormatOCI},
		{"docker", []string{"oci-layout", "index.json", "manifest.json"}, nil, ArchiveFormatDocker},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "archive")
			if tc.raw != nil {
				require.NoError(t, os.WriteFile(p, tc.raw, 0o644))
			} else {
				f, err := os.Create(p)
				require.NoError(t, err)
				tw := tar.NewWriter(f)
				for _, name := range tc.files {
					hdr := &tar.Header{Name: name, Mode: 0o644, Typeflag: tar.TypeReg}
					if strings.HasSuffix(name, "/") {
						hdr.Mode, hdr.Typeflag = 0o755, tar.TypeDir
					}
					require.NoError(t, tw.WriteHeader(hdr))
				}
				require.NoError(t, tw.Close())
				require.NoError(t, f.Close())
			}

			format, err := DetectArchiveFormat(p)
			require.NoError(t, err)
			require.Equal(t, tc.expected, format)
		})
	}
}
