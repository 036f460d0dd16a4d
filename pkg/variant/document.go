package variant

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a variant matrix.
type Document struct {
	Variants []Descriptor `toml:"variant" yaml:"variant"`
}

// Load reads a descriptor document. Files ending in .yaml or .yml are decoded
// as YAML, everything else as TOML. Unknown keys are rejected in both formats.
//
// Descriptors are returned in document order without being validated, so a
// single bad variant does not prevent the others from being reported.
// Duplicate ids are rejected because results are keyed on them.
func Load(ctx context.Context, docPath string) ([]Descriptor, error) {
	dt, err := os.ReadFile(docPath)
	if err != nil {
		return nil, err
	}

	var doc Document
	switch filepath.Ext(docPath) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(dt))
		dec.KnownFields(true)
		err = dec.Decode(&doc)
	default:
		err = toml.NewDecoder(bytes.NewReader(dt)).DisallowUnknownFields().Decode(&doc)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode variant document %q", docPath)
	}

	seen := make(map[string]bool, len(doc.Variants))
	for _, d := range doc.Variants {
		if d.ID != "" && seen[d.ID] {
			return nil, &ValidationError{Variant: d.ID, Field: "id", Reason: "declared more than once"}
		}
		seen[d.ID] = true
	}

	log.G(ctx).WithField("path", docPath).Debugf("Loaded %d variant descriptors", len(doc.Variants))
	return doc.Variants, nil
}
