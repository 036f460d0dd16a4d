package image

import (
	"archive/tar"
	"io"
	"os"
	"path"
)

// ArchiveFormat defines the base image archive layouts that can be read.
type ArchiveFormat int

const (
	// ArchiveFormatUnknown is an unrecognized file.
	ArchiveFormatUnknown ArchiveFormat = iota

	// ArchiveFormatDocker is a tarball with a docker-compatible
	// manifest.json, optionally alongside an OCI layout.
	ArchiveFormatDocker

	// ArchiveFormatOCI is a tarball holding only an OCI image layout.
	ArchiveFormatOCI
)

// DetectArchiveFormat returns the ArchiveFormat of the file at archivePath.
func DetectArchiveFormat(archivePath string) (ArchiveFormat, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return ArchiveFormatUnknown, err
	}
	defer f.Close()

	format := ArchiveFormatUnknown
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return format, nil
		}
		if err != nil {
			// Not a tarball.
			return ArchiveFormatUnknown, nil
		}

		switch path.Clean(hdr.Name) {
		case "manifest.json":
			return ArchiveFormatDocker, nil
		case "index.json", "oci-layout":
			format = ArchiveFormatOCI
		}
	}
}
