package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/keys"
)

// TestMnemonic is the all-"abandon" BIP-39 test phrase.
const TestMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// SeedSigner signs challenges for one derivation index of a test seed.
type SeedSigner struct {
	Seed  []byte
	Index uint32
	did   string
}

// NewSeedSigner derives the DID at index of TestMnemonic.
func NewSeedSigner(t testing.TB, index uint32) *SeedSigner {
	t.Helper()
	seed, err := keys.SeedFromMnemonic(TestMnemonic)
	require.NoError(t, err)
	d, err := keys.DeriveIdentity(seed, index)
	require.NoError(t, err)
	return &SeedSigner{Seed: seed, Index: index, did: d.DID}
}

func (s *SeedSigner) DID() string { return s.did }

func (s *SeedSigner) Sign(payload []byte) (string, error) {
	var sig string
	err := keys.WithKeyPair(s.Seed, s.Index, func(kp *keys.KeyPair) error {
		var err error
		sig, err = keys.SignChallenge(kp.PrivateKey, payload)
		return err
	})
	return sig, err
}
