package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filesense/internal/organizer"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Resolve validates a raw path and returns a Path object.
func (m *OSFilesystemManager) Resolve(rawPath string) (*organizer.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not supported: %s", absPath)
	}
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return organizer.NewPath(absPath, info), nil
}

// Walk visits regular files under root. Symlinks are never followed.
func (m *OSFilesystemManager) Walk(root *organizer.Path, opts organizer.WalkOptions, fn func(organizer.WalkEntry) error, onError func(string, error)) error {
	if !root.IsDir() {
		return fmt.Errorf("path is not a directory: %s", root.String())
	}
	base := root.String()

	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return err
			}
			onError(p, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == base {
			return nil
		}

		rel, err := filepath.Rel(base, p)
		if err != nil {
			onError(p, err)
			return nil
		}
		rel = filepath.ToSlash(rel)

		if !opts.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if opts.Skip != nil && opts.Skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if opts.MaxDepth > 0 && strings.Count(rel, "/")+1 >= opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			onError(p, err)
			return nil
		}
		return fn(organizer.WalkEntry{Path: p, Rel: rel, Info: info})
	})
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Stat returns fresh file info without following a final symlink.
func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// SameFile reports whether both infos describe the same inode.
func (m *OSFilesystemManager) SameFile(a, b fs.FileInfo) bool {
	return os.SameFile(a, b)
}

// MkdirAll creates path and its parents. created is false when path already existed.
func (m *OSFilesystemManager) MkdirAll(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err == nil {
		if !info.IsDir() {
			return false, &organizer.OpError{Op: "create folder", Path: path, Code: organizer.CodeAlreadyExists,
				Err: errors.New("a file with this name already exists")}
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, classify("create folder", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, classify("create folder", path, err)
	}
	return true, nil
}

// Move renames src to dst. Across filesystems the file is copied, synced and
// the source removed. dst must not exist.
func (m *OSFilesystemManager) Move(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &organizer.OpError{Op: "move", Path: dst, Code: organizer.CodeAlreadyExists,
			Err: errors.New("destination already exists")}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return classify("move", dst, err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return classify("move", src, err)
	}
	return copyMove(src, dst)
}

func copyMove(src, dst string) (err error) {
	info, err := os.Lstat(src)
	if err != nil {
		return classify("move", src, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return classify("move", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return classify("move", dst, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return classify("copy", dst, err)
	}
	if err = out.Sync(); err != nil {
		return classify("copy", dst, err)
	}
	if err = out.Close(); err != nil {
		return classify("copy", dst, err)
	}
	if err = os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return classify("copy", dst, err)
	}
	if err = os.Remove(src); err != nil {
		return classify("move", src, err)
	}
	return nil
}

// RemoveEmptyDir removes path only if it is an empty directory.
func (m *OSFilesystemManager) RemoveEmptyDir(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return classify("remove folder", path, err)
	}
	if !info.IsDir() {
		return &organizer.OpError{Op: "remove folder", Path: path, Code: organizer.CodeAlreadyExists,
			Err: errors.New("not a directory")}
	}
	if err := os.Remove(path); err != nil {
		return classify("remove folder", path, err)
	}
	return nil
}

var _ organizer.FilesystemManager = (*OSFilesystemManager)(nil)
