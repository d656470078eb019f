package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileSystemVault(t *testing.T) (*FileSystemVault, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileSystemVault("test", root)
	require.NoError(t, err)
	return v, root
}

func TestNewFileSystemVault(t *testing.T) {
	v, root := newTestFileSystemVault(t)
	info, err := os.Stat(filepath.Join(root, "objects"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NoError(t, v.ValidateSetup())

	_, err = NewFileSystemVault("again", root)
	assert.NoError(t, err, "existing layout is reused")
}

func TestFileSystemVault_PutGet(t *testing.T) {
	v, root := newTestFileSystemVault(t)

	content := "SQLite format 3\x00ledger"
	require.NoError(t, v.PutObject("snapshots/host-1/ledger.db", strings.NewReader(content), int64(len(content)), 42))

	onDisk, err := os.ReadFile(filepath.Join(root, "objects", "snapshots", "host-1", "ledger.db"))
	require.NoError(t, err)
	assert.Equal(t, content, string(onDisk))

	var buf bytes.Buffer
	require.NoError(t, v.GetObject("snapshots/host-1/ledger.db", &buf))
	assert.Equal(t, content, buf.String())

	version, err := v.ObjectVersion("snapshots/host-1/ledger.db")
	require.NoError(t, err)
	assert.Equal(t, int64(42), version)

	require.NoError(t, v.PutObject("snapshots/host-1/ledger.db", strings.NewReader("v2"), 2, 43))
	version, _ = v.ObjectVersion("snapshots/host-1/ledger.db")
	assert.Equal(t, int64(43), version)
}

func TestFileSystemVault_Errors(t *testing.T) {
	v, root := newTestFileSystemVault(t)

	t.Run("missing object", func(t *testing.T) {
		err := v.GetObject("sessions/none.log", &bytes.Buffer{})
		assert.True(t, errors.Is(err, ErrObjectNotFound), "GetObject() error = %v", err)
		version, err := v.ObjectVersion("sessions/none.log")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("size mismatch leaves nothing behind", func(t *testing.T) {
		err := v.PutObject("short", strings.NewReader("abc"), 99, 1)
		assert.ErrorContains(t, err, "size mismatch")
		entries, _ := os.ReadDir(filepath.Join(root, "objects"))
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file %s left behind", e.Name())
			assert.NotEqual(t, "short", e.Name())
		}
	})

	t.Run("reserved and escaping names", func(t *testing.T) {
		for _, name := range []string{"x.version", "../escape", "/etc/passwd", ""} {
			assert.Error(t, v.PutObject(name, strings.NewReader(""), 0, 1), "PutObject(%q)", name)
		}
	})

	t.Run("corrupt version marker", func(t *testing.T) {
		require.NoError(t, v.PutObject("obj", strings.NewReader("a"), 1, 5))
		require.NoError(t, os.WriteFile(filepath.Join(root, "objects", "obj.version"), []byte("five"), 0o644))
		_, err := v.ObjectVersion("obj")
		assert.Error(t, err)
	})

	t.Run("validate fails once the root is gone", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(root))
		assert.Error(t, v.ValidateSetup())
	})
}
