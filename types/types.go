package types

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is the metadata written next to each exported variant archive.
type Image struct {
	ID           string              `json:"id"`
	Tags         []string            `json:"tags,omitempty"`
	Config       ocispec.ImageConfig `json:"config"`
	BaseImage    string              `json:"base-image,omitempty"`
	Architecture string              `json:"architecture"`
	OS           string              `json:"os"`
	Manifest     string              `json:"manifest,omitempty"`
	Archive      string              `json:"archive,omitempty"`
}

// OCIManifest is an entry of the manifest.json of a docker-compatible image
// archive.
type OCIManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}
