package model

import "time"

// TokenRecord is the token state of one DID. The access half lives in
// volatile storage and the refresh half in durable storage.
type TokenRecord struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Signer produces a challenge signature with an identity key. Implementations
// derive the key transiently and never keep it.
type Signer interface {
	DID() string
	Sign(payload []byte) (string, error)
}
