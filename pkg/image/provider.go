package image

import (
	"context"
	"encoding/json"
	"io"

	"github.com/containerd/containerd/content"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// readJSON unmarshals the data retrievable by the provided descriptor and
// stores the result in the value pointed by v.
func readJSON(ctx context.Context, provider content.Provider, desc ocispec.Descriptor, v interface{}) error {
	ra, err := provider.ReaderAt(ctx, desc)
	if err != nil {
		return err
	}
	defer ra.Close()

	r := io.NewSectionReader(ra, 0, desc.Size)
	dt, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	return json.Unmarshal(dt, v)
}
