package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"filesense/internal/config"
)

func newTestAgeEncryptor(t *testing.T) (*AgeEncryptor, config.EncryptionConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "filesense.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "filesense.key"),
	}
	return NewAgeEncryptor(cfg), cfg
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()

	t.Run("writes both key files", func(t *testing.T) {
		t.Parallel()
		e, cfg := newTestAgeEncryptor(t)
		if e.IsConfigured() {
			t.Fatal("IsConfigured() = true before Setup")
		}
		if err := e.Setup("correct horse"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if !e.IsConfigured() {
			t.Error("IsConfigured() = false after Setup")
		}
		info, err := os.Stat(cfg.PrivateKeyPath)
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
		}
		sealed, _ := os.ReadFile(cfg.PrivateKeyPath)
		if bytes.Contains(sealed, []byte("AGE-SECRET-KEY")) {
			t.Error("private key stored unsealed")
		}
	})

	t.Run("refuses to replace existing keys", func(t *testing.T) {
		t.Parallel()
		e, cfg := newTestAgeEncryptor(t)
		if err := e.Setup("first"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		before, _ := os.ReadFile(cfg.PublicKeyPath)
		if err := e.Setup("second"); !errors.Is(err, ErrKeysExist) {
			t.Fatalf("Setup() error = %v, want ErrKeysExist", err)
		}
		after, _ := os.ReadFile(cfg.PublicKeyPath)
		if !bytes.Equal(before, after) {
			t.Error("public key changed")
		}
	})

	t.Run("rejects an empty passphrase", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestAgeEncryptor(t)
		if err := e.Setup(""); err == nil {
			t.Error("Setup(\"\") error = nil")
		}
		if e.IsConfigured() {
			t.Error("IsConfigured() = true after rejected Setup")
		}
	})
}

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "session log", input: []byte("Session id-1\nStatus:    completed\n")},
		{name: "empty", input: []byte{}},
		{name: "sqlite header", input: append([]byte("SQLite format 3\x00"), 0x10, 0x00, 0x01)},
		{name: "large", input: bytes.Repeat([]byte("ledger"), 20000)},
	}

	e, _ := newTestAgeEncryptor(t)
	if err := e.Setup("passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	dec, err := e.Unlock("passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sealed bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &sealed); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(tt.input) > 0 && bytes.Contains(sealed.Bytes(), tt.input) {
				t.Error("ciphertext contains the plaintext")
			}

			var plain bytes.Buffer
			if err := dec.Decrypt(bytes.NewReader(sealed.Bytes()), &plain); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(plain.Bytes(), tt.input) {
				t.Errorf("round trip: got %d bytes, want %d", plain.Len(), len(tt.input))
			}
		})
	}
}

func TestAgeEncryptor_Failures(t *testing.T) {
	t.Parallel()

	t.Run("wrong passphrase", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestAgeEncryptor(t)
		if err := e.Setup("right"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		if _, err := e.Unlock("wrong"); err == nil {
			t.Error("Unlock() with wrong passphrase error = nil")
		}
	})

	t.Run("encrypt before setup", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestAgeEncryptor(t)
		var buf bytes.Buffer
		if err := e.Encrypt(bytes.NewReader([]byte("data")), &buf); err == nil {
			t.Error("Encrypt() before Setup error = nil")
		}
	})

	t.Run("unlock before setup", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestAgeEncryptor(t)
		if _, err := e.Unlock("passphrase"); err == nil {
			t.Error("Unlock() before Setup error = nil")
		}
	})

	t.Run("decrypt garbage", func(t *testing.T) {
		t.Parallel()
		e, _ := newTestAgeEncryptor(t)
		if err := e.Setup("p"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
		dec, err := e.Unlock("p")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		var out bytes.Buffer
		if err := dec.Decrypt(bytes.NewReader([]byte("not age")), &out); err == nil {
			t.Error("Decrypt() of garbage error = nil")
		}
	})
}
