package model

import (
	"context"
	"io"
)

// KeyValueStore is the persistence shape shared by durable and volatile
// stores. Get returns ErrNotFound when the key is absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ObjectStorage stores opaque blobs for encrypted vault backups.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, reader io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Storage keys used across the keeper.
const (
	KeyVault  = "vault"
	KeyGrants = "grants"

	KeySessionActiveDID = "session/active-did"

	keyRefreshPrefix = "tokens/refresh/"
	keyAccessPrefix  = "tokens/access/"
)

// RefreshTokenKey is the durable key holding the refresh record of did.
func RefreshTokenKey(did string) string { return keyRefreshPrefix + did }

// AccessTokenKey is the volatile key holding the access record of did.
func AccessTokenKey(did string) string { return keyAccessPrefix + did }
