package model

import (
	"errors"
	"fmt"
)

// Kind is the tagged error category surfaced to callers of the keeper.
type Kind string

const (
	KindInvalidMnemonic    Kind = "InvalidMnemonic"
	KindWrongPassword      Kind = "WrongPassword"
	KindVaultLocked        Kind = "VaultLocked"
	KindVaultNotFound      Kind = "VaultNotFound"
	KindVaultExists        Kind = "VaultExists"
	KindIdentityNotFound   Kind = "IdentityNotFound"
	KindFullLoginRequired  Kind = "FullLoginRequired"
	KindTokenRefreshFailed Kind = "TokenRefreshFailed"
	KindNoConsentSurface   Kind = "NoConsentSurface"
	KindConsentAbandoned   Kind = "ConsentAbandoned"
	KindConsistencyError   Kind = "ConsistencyError"
	KindNetworkError       Kind = "NetworkError"
	KindPersistenceError   Kind = "PersistenceError"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindInternal           Kind = "Internal"
)

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidMnemonic    = errors.New("invalid mnemonic")
	ErrWrongPassword      = errors.New("wrong password")
	ErrVaultLocked        = errors.New("vault is locked")
	ErrVaultNotFound      = errors.New("vault not found")
	ErrVaultExists        = errors.New("vault already exists")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrFullLoginRequired  = errors.New("full login required")
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	ErrNoConsentSurface   = errors.New("no consent surface available")
	ErrConsentAbandoned   = errors.New("consent request abandoned")
	ErrConsistency        = errors.New("session consistency error")
	ErrNetwork            = errors.New("network error")
	ErrPersistence        = errors.New("persistence error")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrIndexOutOfRange    = errors.New("derivation index out of range")

	// ErrUnauthorized is returned by the control plane client for 401 responses.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRefreshRejected means the control plane will never accept the
	// refresh token again.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// FullLoginRequiredError tells an interactive caller that the identity must
// log in again. It matches ErrFullLoginRequired with errors.Is.
type FullLoginRequiredError struct {
	DID string
}

func (e *FullLoginRequiredError) Error() string {
	return fmt.Sprintf("full login required for %s", e.DID)
}

func (e *FullLoginRequiredError) Is(target error) bool {
	return target == ErrFullLoginRequired
}

// NewFullLoginRequired creates a FullLoginRequiredError for did.
func NewFullLoginRequired(did string) error {
	return &FullLoginRequiredError{DID: did}
}

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrFullLoginRequired, KindFullLoginRequired},
	{ErrTokenRefreshFailed, KindTokenRefreshFailed},
	{ErrInvalidMnemonic, KindInvalidMnemonic},
	{ErrWrongPassword, KindWrongPassword},
	{ErrVaultLocked, KindVaultLocked},
	{ErrVaultNotFound, KindVaultNotFound},
	{ErrVaultExists, KindVaultExists},
	{ErrIdentityNotFound, KindIdentityNotFound},
	{ErrNoConsentSurface, KindNoConsentSurface},
	{ErrConsentAbandoned, KindConsentAbandoned},
	{ErrConsistency, KindConsistencyError},
	{ErrPersistence, KindPersistenceError},
	{ErrNetwork, KindNetworkError},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrIndexOutOfRange, KindInvalidArgument},
}

// KindOf returns the tagged kind of err. Order matters: a refresh failure
// caused by a network error reports TokenRefreshFailed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ErrorOf returns the sentinel of kind, or nil for an unknown kind. It
// lets transports rebuild errors.Is-compatible errors from a tagged kind.
func ErrorOf(kind Kind) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

// Warning describes a best-effort sub-step that failed without failing the
// operation it belongs to.
type Warning struct {
	Kind    Kind   `json:"kind"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// NewWarning builds a Warning for a failed step.
func NewWarning(step string, err error) Warning {
	return Warning{Kind: KindOf(err), Step: step, Message: err.Error()}
}
