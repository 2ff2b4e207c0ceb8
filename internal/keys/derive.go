package keys

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/dtroode/didkeeper/internal/model"
)

const (
	purpose  = 44
	coinType = 1237
	account  = 0
	change   = 0
)

// MasterKey is the root of the identity key tree.
type MasterKey struct {
	key *hdkeychain.ExtendedKey
}

// MasterKeyFromSeed builds the BIP-32 master key of seed.
func MasterKeyFromSeed(seed []byte) (*MasterKey, error) {
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	return &MasterKey{key: key}, nil
}

// Zero clears the master key material.
func (m *MasterKey) Zero() {
	if m != nil && m.key != nil {
		m.key.Zero()
	}
}

// KeyPair is the secp256k1 key pair at one derivation index.
type KeyPair struct {
	PublicKey      []byte
	PrivateKey     []byte
	DerivationPath string
}

// Zero clears the private key.
func (k *KeyPair) Zero() {
	if k != nil {
		zero(k.PrivateKey)
	}
}

// DerivationPath returns the path string of index.
func DerivationPath(index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d'/%d'", purpose, coinType, account, change, index)
}

// ChildKeyPair derives the key pair at index. Every level is hardened, so
// index must be below 2^31.
func ChildKeyPair(master *MasterKey, index uint32) (*KeyPair, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("index %d: %w", index, model.ErrIndexOutOfRange)
	}

	path := []uint32{purpose, coinType, account, change, index}
	current := master.key
	for _, level := range path {
		next, err := current.Derive(hdkeychain.HardenedKeyStart + level)
		if current != master.key {
			current.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
		current = next
	}
	defer current.Zero()

	priv, err := current.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	defer priv.Zero()

	return &KeyPair{
		PublicKey:      priv.PubKey().SerializeCompressed(),
		PrivateKey:     priv.Serialize(),
		DerivationPath: DerivationPath(index),
	}, nil
}

// Derived is the public outcome of deriving an index.
type Derived struct {
	DID       string
	Path      string
	PublicKey []byte
}

// WithKeyPair derives the key pair of index from seed, passes it to fn and
// zeroes all intermediate and private material before returning.
func WithKeyPair(seed []byte, index uint32, fn func(kp *KeyPair) error) error {
	master, err := MasterKeyFromSeed(seed)
	if err != nil {
		return err
	}
	defer master.Zero()

	kp, err := ChildKeyPair(master, index)
	if err != nil {
		return err
	}
	defer kp.Zero()

	return fn(kp)
}

// DeriveIdentity returns the DID and path at index.
func DeriveIdentity(seed []byte, index uint32) (Derived, error) {
	var d Derived
	err := WithKeyPair(seed, index, func(kp *KeyPair) error {
		did, err := DIDFromPublicKey(kp.PublicKey)
		if err != nil {
			return err
		}
		d = Derived{DID: did, Path: kp.DerivationPath, PublicKey: kp.PublicKey}
		return nil
	})
	return d, err
}
