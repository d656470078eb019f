package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"filesense/internal/organizer"
)

// FileSystemVault stores objects as files under a root directory, which is
// usually a mounted external or network drive:
//
//	<root>/
//	  objects/
//	    sessions/<id>.log
//	    snapshots/<host>/ledger.db
//	    snapshots/<host>/ledger.db.version
type FileSystemVault struct {
	name       string
	root       string
	objectsDir string
}

var _ organizer.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a vault rooted at root, creating the layout if needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault layout: %w", err)
	}
	return &FileSystemVault{name: name, root: root, objectsDir: objectsDir}, nil
}

func (v *FileSystemVault) objectPath(name string) string {
	return filepath.Join(v.objectsDir, filepath.FromSlash(name))
}

// PutObject writes the object and then its version marker. A reader that
// sees the new version is guaranteed to see the new content.
func (v *FileSystemVault) PutObject(name string, r io.Reader, size int64, version int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	if strings.HasSuffix(name, ".version") {
		return fmt.Errorf("invalid object name %q: reserved suffix", name)
	}
	dest := v.objectPath(name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	if err := writeAtomic(dest, r, size); err != nil {
		return err
	}
	marker := strings.NewReader(strconv.FormatInt(version, 10))
	return writeAtomic(dest+".version", marker, marker.Size())
}

func (v *FileSystemVault) GetObject(name string, w io.Writer) error {
	if err := checkName(name); err != nil {
		return err
	}
	f, err := os.Open(v.objectPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("opening object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	return nil
}

// ObjectVersion returns 0 when no version marker exists.
func (v *FileSystemVault) ObjectVersion(name string) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(v.objectPath(name) + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version marker: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version marker: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the vault root is a writable directory.
func (v *FileSystemVault) ValidateSetup() error {
	info, err := os.Stat(v.objectsDir)
	if err != nil {
		return fmt.Errorf("vault not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.objectsDir)
	}
	probe, err := os.CreateTemp(v.objectsDir, ".probe-*")
	if err != nil {
		return fmt.Errorf("vault not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeAtomic copies exactly size bytes from r into dest through a temp file.
func writeAtomic(dest string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true
	return nil
}
