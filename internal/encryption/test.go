package encryption

import (
	"bytes"
	"fmt"
	"io"

	"filesense/internal/organizer"
)

// testMagic marks payloads sealed by TestEncryptor.
var testMagic = []byte("FSTEST\x00\x01")

// TestEncryptor is a reversible stand-in for age. It prefixes a fixed header,
// so sealed output never equals the plaintext and unsealing can detect data
// that was never sealed.
type TestEncryptor struct {
	Passphrase string // recorded by Setup; Unlock rejects a different one
}

var _ organizer.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.Passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (organizer.DecryptionContext, error) {
	if e.Passphrase != "" && passphrase != e.Passphrase {
		return nil, fmt.Errorf("wrong passphrase")
	}
	return testDecryption{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

type testDecryption struct{}

func (testDecryption) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, testMagic) {
		return fmt.Errorf("payload was not sealed by the test encryptor")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
