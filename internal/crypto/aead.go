package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/dtroode/didkeeper/internal/secret"
)

// ErrDecrypt is the only error Open reports for undecryptable input, so that
// a wrong key cannot be told apart from corrupted data.
var ErrDecrypt = errors.New("decryption failed")

// Seal encrypts plaintext with XChaCha20-Poly1305. The output is
// nonce || ciphertext.
func Seal(key *secret.Buffer, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	var out []byte
	err := key.Use(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return err
		}
		out = make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
		out = append(out, nonce...)
		out = aead.Seal(out, nonce, plaintext, aad)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return out, nil
}

// Open decrypts data produced by Seal. Every failure, including a closed key
// buffer or short input, returns ErrDecrypt.
func Open(key *secret.Buffer, sealed, aad []byte) ([]byte, error) {
	var plaintext []byte
	err := key.Use(func(k []byte) error {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return err
		}
		if len(sealed) < aead.NonceSize()+aead.Overhead() {
			return ErrDecrypt
		}
		nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		plaintext, err = aead.Open(nil, nonce, ct, aad)
		return err
	})
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
