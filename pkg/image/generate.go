// Package image turns assembled runtime trees into OCI images: it writes
// their blobs to a content store, exports OCI archives, pushes to registries
// and loads archives into containerd.
package image

import (
	"archive/tar"
	"bytes"
	"context"
	_ "crypto/sha256" // required by go-digest
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd/archive"
	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/log"
	"github.com/containerd/containerd/platforms"
	"github.com/containerd/containerd/remotes"
	cfs "github.com/containerd/continuity/fs"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pdtpartners/imagematrix/pkg/assemble"
	"github.com/pdtpartners/imagematrix/pkg/fstree"
	"github.com/pdtpartners/imagematrix/types"
	"github.com/pkg/errors"
)

// VariantAnnotation is the manifest annotation carrying the variant id.
const VariantAnnotation = "io.imagematrix.variant"

// GenerateOpt applies changes to GenerateOpts.
type GenerateOpt func(*GenerateOpts)

// GenerateOpts controls how images are generated.
type GenerateOpts struct {
	BaseArchive string
	Platform    ocispec.Platform
}

// WithBaseArchive builds the image on top of the layers of an image archive
// holding the runtime base. Only the paths assembly added are then written
// as a new layer.
func WithBaseArchive(archivePath string) GenerateOpt {
	return func(o *GenerateOpts) {
		o.BaseArchive = archivePath
	}
}

// WithPlatform sets the platform recorded in the image config.
func WithPlatform(p ocispec.Platform) GenerateOpt {
	return func(o *GenerateOpts) {
		o.Platform = p
	}
}

// TempDir returns the location of a temporary dir or XDG_RUNTIME_DIR if it is
// defined.
func TempDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg
	}
	return os.TempDir()
}

// Metadata describes a generated image.
func Metadata(img *assemble.TaggedImage, desc ocispec.Descriptor, opts ...GenerateOpt) *types.Image {
	gOpts := generateOpts(opts)
	return &types.Image{
		ID:           img.ID,
		Tags:         img.Tags,
		Config:       img.Config,
		BaseImage:    gOpts.BaseArchive,
		Architecture: gOpts.Platform.Architecture,
		OS:           gOpts.Platform.OS,
		Manifest:     desc.Digest.String(),
	}
}

func generateOpts(opts []GenerateOpt) GenerateOpts {
	gOpts := GenerateOpts{
		Platform: platforms.DefaultSpec(),
	}
	for _, opt := range opts {
		opt(&gOpts)
	}
	return gOpts
}

// Generate adds the container image of a tagged image to store and returns
// its manifest descriptor.
func Generate(ctx context.Context, img *assemble.TaggedImage, store content.Store, opts ...GenerateOpt) (desc ocispec.Descriptor, err error) {
	gOpts := generateOpts(opts)

	// Initialize the manifest and manifest config from its base image.
	mfst, cfg, err := initializeManifest(ctx, img, store, gOpts)
	if err != nil {
		return
	}

	tree := img.Tree
	if gOpts.BaseArchive != "" {
		tree = img.Layer
	}

	// Generate and add layer to store.
	buf := new(bytes.Buffer)
	diffID, err := writeTreeLayer(ctx, buf, tree)
	if err != nil {
		return
	}
	cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, diffID)

	layerDesc, err := writeBlob(ctx, store, ocispec.MediaTypeImageLayerGzip, buf.Bytes())
	if err != nil {
		return
	}
	mfst.Layers = append(mfst.Layers, layerDesc)

	// Add manifest config to store.
	configDesc, err := writeBlob(ctx, store, ocispec.MediaTypeImageConfig, &cfg)
	if err != nil {
		return
	}
	mfst.Config = configDesc

	// Add manifest to store.
	desc, err = writeBlob(ctx, store, mfst.MediaType, &mfst)
	if err != nil {
		return
	}

	log.G(ctx).WithField("variant", img.ID).WithField("digest", desc.Digest).Debug("Generated image")
	return desc, nil
}

func writeBlob(ctx context.Context, store content.Store, mediaType string, v interface{}) (ocispec.Descriptor, error) {
	blob, ok := v.([]byte)
	if !ok {
		var err error
		blob, err = json.MarshalIndent(v, "", "  ")
		if err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(blob),
		Size:      int64(len(blob)),
	}

	ref := remotes.MakeRefKey(ctx, desc)
	return desc, content.WriteBlob(ctx, store, ref, bytes.NewReader(blob), desc)
}

// initializeManifest initializes a manifest and manifest config based on the
// base archive, if any.
func initializeManifest(ctx context.Context, img *assemble.TaggedImage, store content.Store, gOpts GenerateOpts) (ocispec.Manifest, ocispec.Image, error) {
	mfst := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		Annotations: map[string]string{
			VariantAnnotation: img.ID,
		},
	}

	cfg := ocispec.Image{
		Config:   img.Config,
		Platform: gOpts.Platform,
		RootFS: ocispec.RootFS{
			Type: "layers",
		},
	}

	// Inherit layers and diff IDs from the base archive.
	if gOpts.BaseArchive != "" {
		baseMfst, baseCfg, err := parseArchive(ctx, store, gOpts.BaseArchive)
		if err != nil {
			return mfst, cfg, errors.Wrapf(err, "failed to read base archive %q", gOpts.BaseArchive)
		}

		mfst.Layers = append(mfst.Layers, baseMfst.Layers...)
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, baseCfg.RootFS.DiffIDs...)
	}

	return mfst, cfg, nil
}

// parseArchive extracts a ocispec.Manifest and ocispec.Image from a docker
// compatible image archive at the given tarballPath, loading its blobs into
// store.
func parseArchive(ctx context.Context, store content.Store, tarballPath string) (mfst ocispec.Manifest, cfg ocispec.Image, err error) {
	format, err := DetectArchiveFormat(tarballPath)
	if err != nil {
		return
	}
	if format != ArchiveFormatDocker {
		return mfst, cfg, errors.Errorf("%s has no manifest.json", tarballPath)
	}

	// Untar the archive into temp directory.
	root, err := os.MkdirTemp(TempDir(), "imagematrix-base")
	if err != nil {
		return mfst, cfg, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(root)

	f, err := os.Open(tarballPath)
	if err != nil {
		return
	}
	defer f.Close()

	_, err = archive.Apply(ctx, root, f, archive.WithNoSameOwner())
	if err != nil {
		return
	}

	dt, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	if err != nil {
		return
	}

	var ociMfsts []types.OCIManifest
	err = json.Unmarshal(dt, &ociMfsts)
	if err != nil {
		return
	}
	if len(ociMfsts) != 1 {
		return mfst, cfg, fmt.Errorf("expected %d number of manifests, got %d", 1, len(ociMfsts))
	}
	ociMfst := ociMfsts[0]

	dt, err = os.ReadFile(filepath.Join(root, ociMfst.Config))
	if err != nil {
		return
	}

	err = json.Unmarshal(dt, &cfg)
	if err != nil {
		return
	}

	mfst.Config, err = writeBlob(ctx, store, ocispec.MediaTypeImageConfig, dt)
	if err != nil {
		return
	}

	// Load layers into store.
	for _, layer := range ociMfst.Layers {
		dt, err = os.ReadFile(filepath.Join(root, layer))
		if err != nil {
			return
		}

		mediaType := ocispec.MediaTypeImageLayer
		if bytes.HasPrefix(dt, []byte{0x1f, 0x8b}) {
			mediaType = ocispec.MediaTypeImageLayerGzip
		}

		var desc ocispec.Descriptor
		desc, err = writeBlob(ctx, store, mediaType, dt)
		if err != nil {
			return
		}
		mfst.Layers = append(mfst.Layers, desc)
	}
	return
}

// writeTreeLayer materializes tree in a temporary directory and writes it as
// a gzip compressed layer, returning the digest of the uncompressed tar.
func writeTreeLayer(ctx context.Context, w io.Writer, tree *fstree.Tree) (digest.Digest, error) {
	root, err := os.MkdirTemp(TempDir(), "imagematrix-layer")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(root)

	if err := tree.WriteDir(root); err != nil {
		return "", errors.Wrap(err, "failed to materialize layer")
	}
	return tarDir(ctx, w, root, true)
}

func tarDir(ctx context.Context, w io.Writer, root string, gzip bool) (digest.Digest, error) {
	if gzip {
		compressed, err := compression.CompressStream(w, compression.Gzip)
		if err != nil {
			return "", err
		}
		defer compressed.Close()
		w = compressed
	}

	// Set upper bound for timestamps to be epoch 0 for reproducibility.
	opts := []archive.ChangeWriterOpt{
		archive.WithModTimeUpperBound(time.Time{}),
	}

	dgstr := digest.SHA256.Digester()
	cw := archive.NewChangeWriter(io.MultiWriter(w, dgstr.Hash()), root, opts...)
	err := cfs.Changes(ctx, "", root, rootUidGidChangeFunc(cw.HandleChange))
	// Finish archiving data before completing compression.
	cwErr := cw.Close()
	if err != nil {
		return "", fmt.Errorf("failed to create diff tar stream: %w", err)
	}
	if cwErr != nil {
		return "", cwErr
	}
	return dgstr.Digest(), nil
}

// rootFileInfo is a wrapped fs.FileInfo that forces Uid and Gid to be 0.
type rootFileInfo struct {
	fs.FileInfo
}

func (rfi *rootFileInfo) Sys() any {
	sys := rfi.FileInfo.Sys()
	switch s := sys.(type) {
	case *tar.Header:
		s.Uid = 0
		s.Gid = 0
		return sys
	case *syscall.Stat_t:
		s.Uid = 0
		s.Gid = 0
		return sys
	default:
		return sys
	}
}

// rootUidGidChangeFunc is a fs.ChangeFunc that wraps underlying os.FileInfo
// with one that forces Uid and Gid to be 0.
func rootUidGidChangeFunc(fn cfs.ChangeFunc) cfs.ChangeFunc {
	return func(k cfs.ChangeKind, p string, f os.FileInfo, err error) error {
		rf := &rootFileInfo{f}
		return fn(k, p, rf, err)
	}
}
