package keys

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"strings"
	"sync"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dtroode/didkeeper/internal/model"
)

const (
	entropyBits = 128

	seedIterations = 2048
	seedLen        = 64
	bitsPerWord    = 11
)

var (
	wordIndexOnce sync.Once
	wordIndex     map[string]uint16
)

// NewMnemonic generates a fresh 12-word BIP-39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer zero(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// NormalizeMnemonic collapses whitespace and lowercases the phrase.
func NormalizeMnemonic(mnemonic string) string {
	return strings.ToLower(strings.Join(strings.Fields(mnemonic), " "))
}

// ValidateMnemonic checks the wordlist and checksum of mnemonic.
func ValidateMnemonic(mnemonic string) error {
	if !bip39.IsMnemonicValid(NormalizeMnemonic(mnemonic)) {
		return model.ErrInvalidMnemonic
	}
	return nil
}

// SeedFromMnemonic returns the 64-byte BIP-39 seed of mnemonic.
func SeedFromMnemonic(mnemonic string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(NormalizeMnemonic(mnemonic), "")
	if err != nil {
		return nil, model.ErrInvalidMnemonic
	}
	return seed, nil
}

// SeedFromMnemonicBytes derives the same seed as SeedFromMnemonic from a
// normalized phrase held in a buffer the caller zeroes. The phrase is never
// copied into a string.
func SeedFromMnemonicBytes(mnemonic []byte) ([]byte, error) {
	if err := checkMnemonic(mnemonic); err != nil {
		return nil, err
	}
	return pbkdf2.Key(mnemonic, []byte("mnemonic"), seedIterations, seedLen, sha512.New), nil
}

// checkMnemonic verifies the words and the checksum of a single-space
// separated lowercase phrase.
func checkMnemonic(mnemonic []byte) error {
	words := bytes.Split(mnemonic, []byte{' '})
	n := len(words)
	if n < 12 || n > 24 || n%3 != 0 {
		return model.ErrInvalidMnemonic
	}

	packed := make([]byte, (n*bitsPerWord+7)/8)
	defer zero(packed)
	for i, w := range words {
		idx, ok := lookupWord(w)
		if !ok {
			return model.ErrInvalidMnemonic
		}
		for b := 0; b < bitsPerWord; b++ {
			if idx&(1<<(bitsPerWord-1-b)) != 0 {
				pos := i*bitsPerWord + b
				packed[pos/8] |= 0x80 >> (pos % 8)
			}
		}
	}

	checksumBits := n * bitsPerWord / 33
	entropyLen := (n*bitsPerWord - checksumBits) / 8
	sum := sha256.Sum256(packed[:entropyLen])
	defer zero(sum[:])
	for b := 0; b < checksumBits; b++ {
		pos := entropyLen*8 + b
		got := packed[pos/8]&(0x80>>(pos%8)) != 0
		want := sum[b/8]&(0x80>>(b%8)) != 0
		if got != want {
			return model.ErrInvalidMnemonic
		}
	}
	return nil
}

func lookupWord(w []byte) (uint16, bool) {
	wordIndexOnce.Do(func() {
		list := bip39.GetWordList()
		wordIndex = make(map[string]uint16, len(list))
		for i, word := range list {
			wordIndex[word] = uint16(i)
		}
	})
	idx, ok := wordIndex[string(w)]
	return idx, ok
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
