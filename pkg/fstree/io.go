package fstree

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// ApplyTar applies an uncompressed tar stream to the tree using OCI layer
// semantics: entries overwrite, ".wh.<name>" deletes a sibling and
// ".wh..wh..opq" empties the directory it is found in. Hard links become
// copies of their target. Device nodes and fifos are skipped.
func (t *Tree) ApplyTar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read tar entry")
		}

		name := Clean(hdr.Name)
		dir, base := path.Dir(name), path.Base(name)
		mode := fs.FileMode(hdr.Mode).Perm()

		switch {
		case base == whiteoutOpaque:
			realDir, _, err := t.Resolve(dir)
			if err == nil {
				for _, p := range t.Paths() {
					if p != realDir && within(p, realDir) {
						delete(t.entries, p)
					}
				}
			}
			continue
		case strings.HasPrefix(base, whiteoutPrefix):
			t.Remove(path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = t.Mkdir(name, mode)
		case tar.TypeReg, tar.TypeRegA:
			var data []byte
			data, err = io.ReadAll(tr)
			if err == nil {
				err = t.WriteFile(name, data, mode)
			}
		case tar.TypeSymlink:
			err = t.Symlink(hdr.Linkname, name)
		case tar.TypeLink:
			target, ok := t.Get(hdr.Linkname)
			if !ok {
				return errors.Errorf("hard link %q points to missing %q", name, hdr.Linkname)
			}
			_, err = t.Put(name, target.clone())
		default:
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "failed to apply %q", name)
		}
	}
}

// WriteDir materializes the tree below root on the host filesystem.
// Directory permissions are applied last so read-only directories can still
// be populated.
func (t *Tree) WriteDir(root string) error {
	var dirs []string
	for _, p := range t.Paths() {
		e := t.entries[p]
		hostPath := filepath.Join(root, filepath.FromSlash(p))
		switch e.Kind {
		case Dir:
			if err := os.MkdirAll(hostPath, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, p)
		case Regular:
			if err := os.WriteFile(hostPath, e.Data, e.Mode.Perm()); err != nil {
				return err
			}
			if err := os.Chmod(hostPath, e.Mode.Perm()); err != nil {
				return err
			}
		case Symlink:
			if err := os.Symlink(e.Target, hostPath); err != nil {
				return err
			}
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		hostPath := filepath.Join(root, filepath.FromSlash(dirs[i]))
		if err := os.Chmod(hostPath, t.entries[dirs[i]].Mode.Perm()); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir reads the host directory root into a new tree. Special files are
// skipped.
func LoadDir(root string) (*Tree, error) {
	t := New()
	err := filepath.WalkDir(root, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, hostPath)
		if err != nil {
			return err
		}
		p := Clean(filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if p == "/" {
				t.entries["/"].Mode = info.Mode().Perm()
				return nil
			}
			return t.Mkdir(p, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			_, err = t.Put(p, &Entry{Kind: Symlink, Mode: 0o777, Target: target})
			return err
		case info.Mode().IsRegular():
			data, err := os.ReadFile(hostPath)
			if err != nil {
				return err
			}
			_, err = t.Put(p, &Entry{Kind: Regular, Mode: info.Mode().Perm(), Data: data})
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
