package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"filesense/internal/organizer"
)

// DefaultModTime is the modification time given to files added without one.
var DefaultModTime = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content     []byte
	Permissions fs.FileMode
	ModTime     time.Time
	IsDirectory bool
}

// MockFilesystemManager is an in-memory filesystem for testing.
// Failures can be injected per operation and path with FailOn.
// Safe for concurrent use.
type MockFilesystemManager struct {
	mu       sync.Mutex
	files    map[string]*MockFile
	failures map[string]error
	moves    int
}

// NewMockFilesystemManager creates a new mock filesystem containing only "/".
func NewMockFilesystemManager() *MockFilesystemManager {
	m := &MockFilesystemManager{
		files:    make(map[string]*MockFile),
		failures: make(map[string]error),
	}
	m.files["/"] = &MockFile{Permissions: 0o755, ModTime: DefaultModTime, IsDirectory: true}
	return m
}

// AddFile adds a file and any missing parent directories.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.AddFileAt(path, content, DefaultModTime)
}

// AddFileAt adds a file with an explicit modification time.
func (m *MockFilesystemManager) AddFileAt(path string, content []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.addParents(path)
	m.files[path] = &MockFile{Content: content, Permissions: 0o644, ModTime: modTime}
}

// AddDirectory adds a directory and any missing parents.
func (m *MockFilesystemManager) AddDirectory(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	m.addParents(path)
	if _, ok := m.files[path]; !ok {
		m.files[path] = &MockFile{Permissions: 0o755, ModTime: DefaultModTime, IsDirectory: true}
	}
}

func (m *MockFilesystemManager) addParents(path string) {
	for d := filepath.Dir(path); ; d = filepath.Dir(d) {
		if _, ok := m.files[d]; !ok {
			m.files[d] = &MockFile{Permissions: 0o755, ModTime: DefaultModTime, IsDirectory: true}
		}
		if d == "/" || d == "." {
			return
		}
	}
}

// Remove deletes a file or directory tree, simulating an outside change.
func (m *MockFilesystemManager) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	for p := range m.files {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(m.files, p)
		}
	}
}

// Exists reports whether path exists.
func (m *MockFilesystemManager) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok
}

// ReadFile returns the content of a regular file.
func (m *MockFilesystemManager) ReadFile(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[filepath.Clean(path)]
	if !ok || f.IsDirectory {
		return nil, false
	}
	return f.Content, true
}

// Files returns every regular file path under root, sorted.
func (m *MockFilesystemManager) Files(root string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	root = filepath.Clean(root)
	var out []string
	for p, f := range m.files {
		if !f.IsDirectory && strings.HasPrefix(p, root+"/") {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Moves returns the number of successful Move calls.
func (m *MockFilesystemManager) Moves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves
}

// FailOn makes op fail on path with err until cleared with a nil err.
// op is one of "open", "stat", "walk", "mkdir", "move" and "remove".
// For "move" the path is the source.
func (m *MockFilesystemManager) FailOn(op, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + filepath.Clean(path)
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

func (m *MockFilesystemManager) failure(op, path string) error {
	return m.failures[op+":"+filepath.Clean(path)]
}

func (m *MockFilesystemManager) Resolve(rawPath string) (*organizer.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("stat", absPath); err != nil {
		return nil, err
	}
	file, ok := m.files[absPath]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", absPath, fs.ErrNotExist)
	}
	return organizer.NewPath(absPath, newInfo(absPath, file)), nil
}

func (m *MockFilesystemManager) Walk(root *organizer.Path, opts organizer.WalkOptions, fn func(organizer.WalkEntry) error, onError func(string, error)) error {
	base := root.String()

	m.mu.Lock()
	if err := m.failure("walk", base); err != nil {
		m.mu.Unlock()
		return err
	}
	type entry struct {
		path string
		file *MockFile
	}
	var entries []entry
	for p, f := range m.files {
		if strings.HasPrefix(p, base+"/") || (base == "/" && p != "/") {
			entries = append(entries, entry{p, f})
		}
	}
	failed := make(map[string]error)
	for _, e := range entries {
		if err := m.failure("walk", e.path); err != nil {
			failed[e.path] = err
		}
	}
	m.mu.Unlock()

	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.path, b.path) })

	pruned := func(rel string) bool {
		parts := strings.Split(rel, "/")
		for i := 0; i < len(parts)-1; i++ {
			dir := strings.Join(parts[:i+1], "/")
			if !opts.IncludeHidden && strings.HasPrefix(parts[i], ".") {
				return true
			}
			if opts.Skip != nil && opts.Skip(dir, true) {
				return true
			}
			if opts.MaxDepth > 0 && i+1 >= opts.MaxDepth {
				return true
			}
			if _, bad := failed[filepath.Join(base, dir)]; bad {
				return true
			}
		}
		return false
	}

	for _, e := range entries {
		rel := strings.TrimPrefix(strings.TrimPrefix(e.path, base), "/")
		if pruned(rel) {
			continue
		}
		if err, bad := failed[e.path]; bad {
			onError(e.path, err)
			continue
		}
		if e.file.IsDirectory {
			continue
		}
		if !opts.IncludeHidden && strings.HasPrefix(filepath.Base(e.path), ".") {
			continue
		}
		if opts.Skip != nil && opts.Skip(rel, false) {
			continue
		}
		if err := fn(organizer.WalkEntry{Path: e.path, Rel: rel, Info: newInfo(e.path, e.file)}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockFilesystemManager) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("open", path); err != nil {
		return nil, err
	}
	file, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	if file.IsDirectory {
		return nil, fmt.Errorf("cannot open directory: %s", path)
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

func (m *MockFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("stat", path); err != nil {
		return nil, err
	}
	file, ok := m.files[filepath.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}
	return newInfo(path, file), nil
}

func (m *MockFilesystemManager) SameFile(a, b fs.FileInfo) bool {
	fa, okA := a.Sys().(*MockFile)
	fb, okB := b.Sys().(*MockFile)
	return okA && okB && fa == fb
}

func (m *MockFilesystemManager) MkdirAll(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.failure("mkdir", path); err != nil {
		return false, err
	}
	if f, ok := m.files[path]; ok {
		if !f.IsDirectory {
			return false, &organizer.OpError{Op: "create folder", Path: path, Code: organizer.CodeAlreadyExists,
				Err: errors.New("a file with this name already exists")}
		}
		return false, nil
	}
	m.addParents(path)
	m.files[path] = &MockFile{Permissions: 0o755, ModTime: DefaultModTime, IsDirectory: true}
	return true, nil
}

func (m *MockFilesystemManager) Move(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if err := m.failure("move", src); err != nil {
		return err
	}
	file, ok := m.files[src]
	if !ok {
		return &organizer.OpError{Op: "move", Path: src, Code: organizer.CodeNotFound, Err: fs.ErrNotExist}
	}
	if _, exists := m.files[dst]; exists {
		return &organizer.OpError{Op: "move", Path: dst, Code: organizer.CodeAlreadyExists,
			Err: errors.New("destination already exists")}
	}
	if parent, ok := m.files[filepath.Dir(dst)]; !ok || !parent.IsDirectory {
		return &organizer.OpError{Op: "move", Path: dst, Code: organizer.CodeNotFound,
			Err: errors.New("parent directory does not exist")}
	}
	delete(m.files, src)
	m.files[dst] = file
	m.moves++
	return nil
}

func (m *MockFilesystemManager) RemoveEmptyDir(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.failure("remove", path); err != nil {
		return err
	}
	f, ok := m.files[path]
	if !ok {
		return &organizer.OpError{Op: "remove folder", Path: path, Code: organizer.CodeNotFound, Err: fs.ErrNotExist}
	}
	if !f.IsDirectory {
		return &organizer.OpError{Op: "remove folder", Path: path, Code: organizer.CodeAlreadyExists,
			Err: errors.New("not a directory")}
	}
	for p := range m.files {
		if strings.HasPrefix(p, path+"/") {
			return &organizer.OpError{Op: "remove folder", Path: path, Code: organizer.CodeInUse,
				Err: errors.New("directory not empty")}
		}
	}
	delete(m.files, path)
	return nil
}

func newInfo(path string, file *MockFile) *mockFileInfo {
	return &mockFileInfo{
		name:     filepath.Base(path),
		size:     int64(len(file.Content)),
		mode:     file.Permissions,
		modTime:  file.ModTime,
		isDir:    file.IsDirectory,
		mockFile: file,
	}
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name     string
	size     int64
	mode     fs.FileMode
	modTime  time.Time
	isDir    bool
	mockFile *MockFile
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return m.mockFile }

// Compile-time check
var _ organizer.FilesystemManager = (*MockFilesystemManager)(nil)
