package keys

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/dtroode/didkeeper/internal/model"
)

const didKeyPrefix = "did:key:z"

// multicodec varint of secp256k1-pub.
var secp256k1Codec = []byte{0xe7, 0x01}

// DIDFromPublicKey encodes a compressed secp256k1 public key as did:key.
func DIDFromPublicKey(pub []byte) (string, error) {
	if _, err := btcec.ParsePubKey(pub); err != nil || len(pub) != btcec.PubKeyBytesLenCompressed {
		return "", fmt.Errorf("not a compressed secp256k1 key: %w", model.ErrInvalidArgument)
	}
	buf := make([]byte, 0, len(secp256k1Codec)+len(pub))
	buf = append(buf, secp256k1Codec...)
	buf = append(buf, pub...)
	return didKeyPrefix + base58.Encode(buf), nil
}

// PublicKeyFromDID is the inverse of DIDFromPublicKey.
func PublicKeyFromDID(did string) ([]byte, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("unsupported did %q: %w", did, model.ErrInvalidArgument)
	}
	raw := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if len(raw) != len(secp256k1Codec)+btcec.PubKeyBytesLenCompressed || !bytes.HasPrefix(raw, secp256k1Codec) {
		return nil, fmt.Errorf("malformed did %q: %w", did, model.ErrInvalidArgument)
	}
	pub := raw[len(secp256k1Codec):]
	if _, err := btcec.ParsePubKey(pub); err != nil {
		return nil, fmt.Errorf("malformed did key: %w", model.ErrInvalidArgument)
	}
	return pub, nil
}
