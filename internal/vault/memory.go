package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"filesense/internal/organizer"
)

type memoryObject struct {
	data    []byte
	version int64
}

// MemoryVault keeps objects in memory. It is safe for concurrent use.
type MemoryVault struct {
	name    string
	mu      sync.RWMutex
	objects map[string]memoryObject
}

var _ organizer.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:    name,
		objects: make(map[string]memoryObject),
	}
}

// PutObject replaces the named object.
func (m *MemoryVault) PutObject(name string, r io.Reader, size int64, version int64) error {
	if err := checkName(name); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = memoryObject{data: data, version: version}
	return nil
}

func (m *MemoryVault) GetObject(name string, w io.Writer) error {
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}
	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

func (m *MemoryVault) ObjectVersion(name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[name].version, nil
}

// Names lists the stored object names in order.
func (m *MemoryVault) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateSetup always succeeds.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}
