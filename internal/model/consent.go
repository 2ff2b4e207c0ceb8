package model

import (
	"context"
	"strings"
	"time"
)

// GrantLevel is the recorded decision for one scope.
type GrantLevel string

const (
	GrantAlways GrantLevel = "always"
	GrantAsk    GrantLevel = "ask"
	GrantNever  GrantLevel = "never"
)

// Valid reports whether l is a known grant level.
func (l GrantLevel) Valid() bool {
	return l == GrantAlways || l == GrantAsk || l == GrantNever
}

// DefaultGrant is the policy used when no consent round-trip is possible:
// read scopes are always granted, everything else asks.
func DefaultGrant(scope string) GrantLevel {
	if strings.HasPrefix(scope, "read:") {
		return GrantAlways
	}
	return GrantAsk
}

// Decision is the human answer to a consent request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AppManifest describes the application asking for access.
type AppManifest struct {
	AppID       string   `json:"appId"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// AppSessionRequest is the input of initializeAppSession.
type AppSessionRequest struct {
	Manifest  AppManifest
	Origin    string
	ActiveDID string
}

// AppSession is the result of initializeAppSession.
type AppSession struct {
	Handle             string                `json:"sessionHandle"`
	AppID              string                `json:"appId"`
	Origin             string                `json:"origin"`
	DID                string                `json:"did"`
	GrantedPermissions map[string]GrantLevel `json:"grantedPermissions"`
}

// ConsentRequest correlates a permission prompt with its later decision.
type ConsentRequest struct {
	ID              string    `json:"id"`
	AppID           string    `json:"appId"`
	AppName         string    `json:"appName"`
	Origin          string    `json:"origin"`
	RequestedScopes []string  `json:"requestedScopes"`
	ActiveDID       string    `json:"activeDid"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AppGrant is the durable decision record of one (did, origin, app).
// Denied with empty Scopes is an explicit "no", not an absence.
type AppGrant struct {
	DID       string                `cbor:"did" json:"did"`
	Origin    string                `cbor:"origin" json:"origin"`
	AppID     string                `cbor:"appId" json:"appId"`
	Scopes    map[string]GrantLevel `cbor:"scopes" json:"scopes"`
	Denied    bool                  `cbor:"denied" json:"denied"`
	DecidedAt time.Time             `cbor:"decidedAt" json:"decidedAt"`
}

// ConsentSurface presents consent requests to a human. Present is a
// notification; the decision arrives later through SubmitConsentDecision.
type ConsentSurface interface {
	Present(ctx context.Context, req ConsentRequest) error
}
