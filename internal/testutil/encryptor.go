package testutil

import (
	"filesense/internal/encryption"
	"filesense/internal/organizer"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() organizer.Encryptor {
	return encryption.NewTestEncryptor()
}
