package api

import "github.com/dtroode/didkeeper/internal/model"

type PasswordRequest struct {
	Password string `json:"password"`
}

type MnemonicRequest struct {
	Mnemonic string `json:"mnemonic"`
	Password string `json:"password"`
}

type LockState struct {
	VaultExists bool                  `json:"vaultExists"`
	Session     model.SessionSnapshot `json:"session"`
}

type CreateVaultResponse struct {
	Mnemonic string          `json:"mnemonic"`
	Warnings []model.Warning `json:"warnings,omitempty"`
}

type IdentityResponse struct {
	Identity model.IdentityRecord  `json:"identity"`
	Session  model.SessionSnapshot `json:"session"`
	Warnings []model.Warning       `json:"warnings,omitempty"`
}

type RecoverResponse struct {
	Identities     []model.IdentityRecord `json:"identities"`
	NextIndex      uint32                 `json:"nextIndex"`
	ScannedThrough uint32                 `json:"scannedThrough"`
	ProbeFailures  []uint32               `json:"probeFailures,omitempty"`
	Warnings       []model.Warning        `json:"warnings,omitempty"`
	NothingFound   bool                   `json:"nothingFound"`
}

// RestoreRequest names a backup object. An empty key restores the latest
// snapshot.
type RestoreRequest struct {
	Key string `json:"key,omitempty"`
}

type RestoreResponse struct {
	Key        string                 `json:"key"`
	Identities []model.IdentityRecord `json:"identities"`
}

type SessionResponse struct {
	Session model.SessionSnapshot `json:"session"`
}

type CreateIdentityRequest struct {
	DisplayName string `json:"displayName,omitempty"`
}

type DIDRequest struct {
	DID string `json:"did"`
}

type IdentityList struct {
	Identities []model.IdentityRecord `json:"identities"`
}

type UpdateProfileRequest struct {
	DID     string        `json:"did"`
	Profile model.Profile `json:"profile"`
}

type AccessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type ConsentDecisionRequest struct {
	RequestID string                      `json:"requestId"`
	Decision  model.Decision              `json:"decision"`
	Grants    map[string]model.GrantLevel `json:"grants,omitempty"`
}

type ConsentList struct {
	Requests []model.ConsentRequest `json:"requests"`
}

type GrantList struct {
	Grants []model.AppGrant `json:"grants"`
}

type RevokeAppRequest struct {
	DID    string `json:"did"`
	Origin string `json:"origin"`
	AppID  string `json:"appId"`
}

// SubscribeRequest opens a state stream. Consent-capable subscribers are
// expected to show pending consent requests to a human.
type SubscribeRequest struct {
	ConsentCapable bool `json:"consentCapable"`
}

// InitializeSessionRequest is sent by applications. The origin is taken
// from call metadata, not from the message.
type InitializeSessionRequest struct {
	Manifest model.AppManifest `json:"manifest"`
}
