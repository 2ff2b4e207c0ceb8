// Package crypto implements the password-based encryption of the vault seed.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/secret"
)

const (
	// KeyLen is the size of the vault encryption key.
	KeyLen = 32
	// SaltLen is the size of the per-vault random salt.
	SaltLen = 16

	masterLen = 32
	keyInfo   = "didkeeper/vault/v1"
)

// DefaultKDFParams are used when the configuration leaves KDF parameters unset.
func DefaultKDFParams() model.KDFParams {
	return model.KDFParams{Time: 3, MemKiB: 64 * 1024, Par: 2}
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	return salt, nil
}

// DeriveEncryptionKey stretches password with argon2id and expands the result
// with HKDF-SHA256. The returned buffer must be closed by the caller.
func DeriveEncryptionKey(password, salt []byte, params model.KDFParams) (*secret.Buffer, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty salt: %w", model.ErrInvalidArgument)
	}
	if params.Time == 0 || params.MemKiB == 0 || params.Par == 0 {
		params = DefaultKDFParams()
	}

	master := argon2.IDKey(password, salt, params.Time, params.MemKiB, params.Par, masterLen)
	defer secret.Zero(master)

	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(keyInfo)), key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}

	return secret.NewFromBytes(key)
}
