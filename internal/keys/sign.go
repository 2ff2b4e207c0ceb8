package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// ErrBadSignature is returned by VerifyChallenge when the signature does not
// match the DID key.
var ErrBadSignature = errors.New("bad challenge signature")

// Challenge is the payload signed on login and registration.
type Challenge struct {
	DID       string `json:"did"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// Bytes returns the canonical encoding that is hashed and signed.
func (c Challenge) Bytes() []byte {
	b, _ := json.Marshal(c)
	return b
}

// SignChallenge signs sha256(payload) with priv and returns the DER
// signature in unpadded base64url.
func SignChallenge(priv, payload []byte) (string, error) {
	if len(priv) != btcec.PrivKeyBytesLen {
		return "", fmt.Errorf("invalid private key length %d", len(priv))
	}
	key, _ := btcec.PrivKeyFromBytes(priv)
	defer key.Zero()

	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(key, digest[:])
	return base64.RawURLEncoding.EncodeToString(sig.Serialize()), nil
}

// VerifyChallenge checks a SignChallenge signature against the key encoded
// in did.
func VerifyChallenge(did string, payload []byte, signature string) error {
	pubBytes, err := PublicKeyFromDID(did)
	if err != nil {
		return err
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return ErrBadSignature
	}
	der, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return ErrBadSignature
	}
	digest := sha256.Sum256(payload)
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}
