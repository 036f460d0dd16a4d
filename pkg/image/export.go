package image

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images/archive"
	"github.com/containerd/containerd/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/types"
)

// Export writes an OCI archive of the tagged image to w, naming it with the
// image's tags.
func Export(ctx context.Context, store content.Store, img *assemble.TaggedImage, w io.Writer, opts ...GenerateOpt) (ocispec.Descriptor, error) {
	desc, err := Generate(ctx, img, store, opts...)
	if err != nil {
		return desc, err
	}
	return desc, exportGenerated(ctx, store, desc, img.Tags, w)
}

func exportGenerated(ctx context.Context, store content.Store, desc ocispec.Descriptor, tags []string, w io.Writer) error {
	exportOpts := []archive.ExportOpt{
		archive.WithManifest(desc, tags...),
	}
	return archive.Export(ctx, store, w, exportOpts...)
}

// ExportFile exports the tagged image to <outputDir>/<id>.tar and writes its
// metadata to <outputDir>/<id>.json.
func ExportFile(ctx context.Context, store content.Store, img *assemble.TaggedImage, outputDir string, opts ...GenerateOpt) (*types.Image, error) {
	desc, err := Generate(ctx, img, store, opts...)
	if err != nil {
		return nil, err
	}
	return WriteFile(ctx, store, img, desc, outputDir, opts...)
}

// WriteFile is ExportFile for an image already generated into store as
// desc. opts must be the options desc was generated with.
func WriteFile(ctx context.Context, store content.Store, img *assemble.TaggedImage, desc ocispec.Descriptor, outputDir string, opts ...GenerateOpt) (*types.Image, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(outputDir, img.ID+".tar")
	f, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := exportGenerated(ctx, store, desc, img.Tags, f); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	meta := Metadata(img, desc, opts...)
	meta.Archive = archivePath
	if err := WriteMetadata(meta, filepath.Join(outputDir, img.ID+".json")); err != nil {
		return nil, err
	}

	log.G(ctx).WithField("variant", img.ID).WithField("archive", archivePath).Info("Exported image")
	return meta, nil
}

// WriteMetadata writes an image JSON to outPath.
func WriteMetadata(meta *types.Image, outPath string) error {
	dt, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, dt, 0o644)
}

// ReadMetadata reads an image JSON written by WriteMetadata.
func ReadMetadata(metaPath string) (*types.Image, error) {
	dt, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta types.Image
	if err := json.Unmarshal(dt, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
