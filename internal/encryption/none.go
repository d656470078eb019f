package encryption

import (
	"fmt"
	"io"

	"filesense/internal/organizer"
)

// NoneEncryptor leaves snapshots and logs in plaintext. It reports itself as
// unconfigured so callers skip the encryption step.
type NoneEncryptor struct{}

var _ organizer.Encryptor = NoneEncryptor{}

func (NoneEncryptor) Setup(string) error {
	return fmt.Errorf("encryption is disabled; set [encryption] type = \"age\" first")
}

func (NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}

func (NoneEncryptor) Unlock(string) (organizer.DecryptionContext, error) {
	return plaintext{}, nil
}

func (NoneEncryptor) IsConfigured() bool { return false }

type plaintext struct{}

func (plaintext) Decrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}
