// Package token issues and inspects the HS256 JWTs exchanged with the
// control plane.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents JWT claims with token type. The subject is the DID.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"typ"`
}

// JWT issues and validates DID-bound tokens with a symmetric HMAC key.
type JWT struct {
	secretKey  string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a JWT.
type Option func(*JWT)

// WithTTL overrides the access and refresh lifetimes.
func WithTTL(access, refresh time.Duration) Option {
	return func(j *JWT) {
		j.accessTTL = access
		j.refreshTTL = refresh
	}
}

// WithNow overrides the time source used for issuing and validation.
func WithNow(now func() time.Time) Option {
	return func(j *JWT) { j.now = now }
}

// NewJWT creates a new JWT token manager with the provided secret key.
func NewJWT(secretKey string, opts ...Option) *JWT {
	j := &JWT{
		secretKey:  secretKey,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour

	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Issued is a signed token with its expiry.
type Issued struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// GenerateAccessToken creates a short-lived access token for did.
func (j *JWT) GenerateAccessToken(did string) (Issued, error) {
	return j.generate(did, typeAccess, j.accessTTL)
}

// GenerateRefreshToken creates a long-lived refresh token for did.
func (j *JWT) GenerateRefreshToken(did string) (Issued, error) {
	return j.generate(did, typeRefresh, j.refreshTTL)
}

func (j *JWT) generate(did, typ string, ttl time.Duration) (Issued, error) {
	now := j.now()
	jti := uuid.NewString()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		TokenType: typ,
	})

	tokenString, err := token.SignedString([]byte(j.secretKey))
	if err != nil {
		return Issued{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}

	return Issued{Token: tokenString, JTI: jti, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// ParseAccessToken validates an access token and returns its DID.
func (j *JWT) ParseAccessToken(tokenString string) (string, error) {
	claims, err := j.parse(tokenString, typeAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ParseRefreshToken validates a refresh token and returns its DID and JTI.
func (j *JWT) ParseRefreshToken(tokenString string) (string, string, error) {
	claims, err := j.parse(tokenString, typeRefresh)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.ID, nil
}

func (j *JWT) parse(tokenString, typ string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}
		return []byte(j.secretKey), nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s token: %w", typ, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s token is invalid", typ)
	}
	if claims.TokenType != typ {
		return nil, fmt.Errorf("token type mismatch: %s", claims.TokenType)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// ExpiryOf reads the exp claim of a JWT without verifying its signature.
// It reports false for opaque tokens and tokens without exp.
func ExpiryOf(tokenString string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
