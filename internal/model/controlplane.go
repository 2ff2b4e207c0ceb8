package model

import "context"

// ControlPlane is the external service that issues tokens and tracks cloud
// instances of identities.
type ControlPlane interface {
	Login(ctx context.Context, req SignedChallenge) (LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (TokenDetails, error)
	Register(ctx context.Context, req RegisterRequest) (LoginResult, error)
	Status(ctx context.Context, did string) (IdentityStatus, error)
	GetIdentity(ctx context.Context, did, accessToken string) (RemoteIdentity, error)
	PutIdentity(ctx context.Context, did, accessToken string, profile Profile) (RemoteIdentity, error)
}

// SignedChallenge is the login proof of possession for a DID.
type SignedChallenge struct {
	DID       string `json:"did"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// RegisterRequest is a signed challenge carrying an optional profile.
type RegisterRequest struct {
	SignedChallenge
	Profile *Profile `json:"profile,omitempty"`
}

// TokenDetails is the token pair returned by the control plane. Expiry
// fields are unix seconds; zero means unknown.
type TokenDetails struct {
	AccessToken      string `json:"accessToken"`
	AccessExpiresAt  int64  `json:"accessExpiresAt,omitempty"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt,omitempty"`
}

// LoginResult is returned by login and registration.
type LoginResult struct {
	TokenDetails TokenDetails   `json:"tokenDetails"`
	Identity     RemoteIdentity `json:"identity"`
}

// RemoteIdentity is the control plane view of an identity.
type RemoteIdentity struct {
	DID         string         `json:"did"`
	DisplayName string         `json:"displayName,omitempty"`
	PictureRef  *string        `json:"pictureRef,omitempty"`
	Instance    *CloudInstance `json:"instance,omitempty"`
}

// IdentityStatus answers whether a DID is provisioned on the control plane.
type IdentityStatus struct {
	IsActive       bool   `json:"isActive"`
	InstanceStatus string `json:"instanceStatus,omitempty"`
}
