package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/token"
)

const (
	// defaultAccessTTL applies when neither the response nor the token
	// carry an expiry.
	defaultAccessTTL = 15 * time.Minute
	// expirySkew treats an access token as expired slightly early.
	expirySkew = 10 * time.Second
	// refreshTimeout bounds a shared refresh once it is detached from the
	// caller that started it.
	refreshTimeout = 30 * time.Second
)

// SessionView is the part of the session the token service depends on.
type SessionView interface {
	Snapshot() model.SessionSnapshot
}

type prefixRemover interface {
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// storedToken is the persisted half of a TokenRecord.
type storedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

func (t storedToken) expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0)
}

// TokenService caches and refreshes control-plane tokens per DID. Refresh
// tokens are durable, access tokens are volatile and dropped on lock.
type TokenService struct {
	controlPlane model.ControlPlane
	durable      model.KeyValueStore
	volatile     model.KeyValueStore
	session      SessionView
	clock        clock.Clock
	group        singleflight.Group
	logger       *logger.Logger

	mu      sync.Mutex
	holders map[string]struct{}
}

func NewTokenService(
	controlPlane model.ControlPlane,
	durable model.KeyValueStore,
	volatile model.KeyValueStore,
	session SessionView,
	clk clock.Clock,
	logger *logger.Logger,
) *TokenService {
	return &TokenService{
		controlPlane: controlPlane,
		durable:      durable,
		volatile:     volatile,
		session:      session,
		clock:        clk,
		logger:       logger,
		holders:      make(map[string]struct{}),
	}
}

// GetValidAccessToken returns a live access token for did, refreshing it if
// needed. Concurrent callers for the same DID share one refresh.
func (s *TokenService) GetValidAccessToken(ctx context.Context, did string) (string, error) {
	if !s.session.Snapshot().Unlocked() {
		return "", model.ErrVaultLocked
	}

	// The shared call outlives any single caller, each caller only stops
	// waiting for it.
	ch := s.group.DoChan(did, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.validAccessToken(ctx, did)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			s.logger.Debug("Token service: joined in-flight refresh", "did", did)
		}
		return res.Val.(string), nil
	}
}

func (s *TokenService) validAccessToken(ctx context.Context, did string) (string, error) {
	epoch := s.session.Snapshot().Epoch
	now := s.clock.Now()

	access, err := s.read(ctx, s.volatile, model.AccessTokenKey(did))
	switch {
	case err == nil && now.Add(expirySkew).Before(access.expiry()):
		return access.Token, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		s.logger.Warn("Token service: failed to read access token", "did", did, "error", err.Error())
	}

	refresh, err := s.read(ctx, s.durable, model.RefreshTokenKey(did))
	if errors.Is(err, model.ErrNotFound) {
		return "", model.NewFullLoginRequired(did)
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to read refresh token: %w", model.ErrPersistence, err)
	}
	if exp := refresh.expiry(); !exp.IsZero() && !now.Before(exp) {
		s.logger.Info("Token service: refresh token expired", "did", did)
		s.forget(ctx, did)
		return "", model.NewFullLoginRequired(did)
	}

	details, err := s.controlPlane.Refresh(ctx, refresh.Token)
	if err != nil {
		if errors.Is(err, model.ErrRefreshRejected) || errors.Is(err, model.ErrUnauthorized) {
			s.logger.Info("Token service: refresh token rejected", "did", did, "error", err.Error())
			s.forget(ctx, did)
			return "", model.NewFullLoginRequired(did)
		}
		s.logger.Warn("Token service: refresh failed", "did", did, "error", err.Error())
		return "", fmt.Errorf("%w: %w", model.ErrTokenRefreshFailed, err)
	}
	if details.RefreshToken == "" {
		details.RefreshToken = refresh.Token
		details.RefreshExpiresAt = refresh.ExpiresAt
	}

	if err := s.store(ctx, did, details, epoch); err != nil {
		return "", err
	}
	s.logger.Debug("Token service: access token refreshed", "did", did)
	return details.AccessToken, nil
}

// Login signs a fresh challenge with signer and stores the returned pair.
func (s *TokenService) Login(ctx context.Context, signer model.Signer) (model.LoginResult, error) {
	snap := s.session.Snapshot()
	if !snap.Unlocked() {
		return model.LoginResult{}, model.ErrVaultLocked
	}

	challenge, err := s.sign(signer)
	if err != nil {
		return model.LoginResult{}, err
	}

	res, err := s.controlPlane.Login(ctx, challenge)
	if err != nil {
		return model.LoginResult{}, fmt.Errorf("failed to log in %s: %w", signer.DID(), err)
	}
	if err := s.store(ctx, signer.DID(), res.TokenDetails, snap.Epoch); err != nil {
		return model.LoginResult{}, err
	}

	s.logger.Info("Token service: logged in", "did", signer.DID())
	return res, nil
}

// Register provisions signer's DID on the control plane and stores the
// returned pair.
func (s *TokenService) Register(ctx context.Context, signer model.Signer, profile *model.Profile) (model.LoginResult, error) {
	snap := s.session.Snapshot()
	if !snap.Unlocked() {
		return model.LoginResult{}, model.ErrVaultLocked
	}

	challenge, err := s.sign(signer)
	if err != nil {
		return model.LoginResult{}, err
	}

	res, err := s.controlPlane.Register(ctx, model.RegisterRequest{SignedChallenge: challenge, Profile: profile})
	if err != nil {
		return model.LoginResult{}, fmt.Errorf("failed to register %s: %w", signer.DID(), err)
	}
	if err := s.store(ctx, signer.DID(), res.TokenDetails, snap.Epoch); err != nil {
		return model.LoginResult{}, err
	}

	s.logger.Info("Token service: registered", "did", signer.DID())
	return res, nil
}

// Record returns the stored token state of did.
func (s *TokenService) Record(ctx context.Context, did string) (model.TokenRecord, error) {
	var rec model.TokenRecord
	access, err := s.read(ctx, s.volatile, model.AccessTokenKey(did))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return rec, err
	}
	rec.AccessToken, rec.AccessExpiresAt = access.Token, access.expiry()

	refresh, err := s.read(ctx, s.durable, model.RefreshTokenKey(did))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return rec, err
	}
	rec.RefreshToken, rec.RefreshExpiresAt = refresh.Token, refresh.expiry()
	return rec, nil
}

// Forget deletes every token of did.
func (s *TokenService) Forget(ctx context.Context, did string) error {
	errDurable := s.durable.Remove(ctx, model.RefreshTokenKey(did))
	errVolatile := s.volatile.Remove(ctx, model.AccessTokenKey(did))
	s.mu.Lock()
	delete(s.holders, did)
	s.mu.Unlock()
	if err := errors.Join(errDurable, errVolatile); err != nil {
		return fmt.Errorf("%w: failed to delete tokens: %w", model.ErrPersistence, err)
	}
	return nil
}

func (s *TokenService) forget(ctx context.Context, did string) {
	if err := s.Forget(ctx, did); err != nil {
		s.logger.Warn("Token service: failed to delete tokens", "did", did, "error", err.Error())
	}
}

// PurgeAccessTokens drops every volatile access token. It is registered as
// a session lock hook.
func (s *TokenService) PurgeAccessTokens(ctx context.Context) error {
	s.mu.Lock()
	dids := make([]string, 0, len(s.holders))
	for did := range s.holders {
		dids = append(dids, did)
	}
	s.holders = make(map[string]struct{})
	s.mu.Unlock()

	if pr, ok := s.volatile.(prefixRemover); ok {
		n, err := pr.RemovePrefix(ctx, model.AccessTokenKey(""))
		if err != nil {
			return fmt.Errorf("failed to purge access tokens: %w", err)
		}
		s.logger.Debug("Token service: access tokens purged", "count", n)
		return nil
	}

	var errs []error
	for _, did := range dids {
		if err := s.volatile.Remove(ctx, model.AccessTokenKey(did)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to purge access tokens: %w", err)
	}
	s.logger.Debug("Token service: access tokens purged", "count", len(dids))
	return nil
}

func (s *TokenService) sign(signer model.Signer) (model.SignedChallenge, error) {
	c := keys.Challenge{
		DID:       signer.DID(),
		Nonce:     uuid.NewString(),
		Timestamp: s.clock.Now().Unix(),
	}
	sig, err := signer.Sign(c.Bytes())
	if err != nil {
		return model.SignedChallenge{}, fmt.Errorf("failed to sign challenge: %w", err)
	}
	return model.SignedChallenge{DID: c.DID, Nonce: c.Nonce, Timestamp: c.Timestamp, Signature: sig}, nil
}

// store persists a token pair. If the session was locked since epoch was
// observed, the access token is withdrawn and ErrVaultLocked returned.
func (s *TokenService) store(ctx context.Context, did string, details model.TokenDetails, epoch uint64) error {
	now := s.clock.Now()

	accessExp := time.Unix(details.AccessExpiresAt, 0)
	if details.AccessExpiresAt == 0 {
		if exp, ok := token.ExpiryOf(details.AccessToken); ok {
			accessExp = exp
		} else {
			accessExp = now.Add(defaultAccessTTL)
		}
	}
	refreshExp := details.RefreshExpiresAt
	if refreshExp == 0 {
		if exp, ok := token.ExpiryOf(details.RefreshToken); ok {
			refreshExp = exp.Unix()
		}
	}

	if err := s.write(ctx, s.durable, model.RefreshTokenKey(did), storedToken{Token: details.RefreshToken, ExpiresAt: refreshExp}); err != nil {
		return err
	}
	if err := s.write(ctx, s.volatile, model.AccessTokenKey(did), storedToken{Token: details.AccessToken, ExpiresAt: accessExp.Unix()}); err != nil {
		return err
	}

	s.mu.Lock()
	s.holders[did] = struct{}{}
	s.mu.Unlock()

	if snap := s.session.Snapshot(); !snap.Unlocked() || snap.Epoch != epoch {
		_ = s.volatile.Remove(ctx, model.AccessTokenKey(did))
		return model.ErrVaultLocked
	}
	return nil
}

func (s *TokenService) read(ctx context.Context, store model.KeyValueStore, key string) (storedToken, error) {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return storedToken{}, err
	}
	var t storedToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return storedToken{}, fmt.Errorf("failed to decode token record: %w", err)
	}
	return t, nil
}

func (s *TokenService) write(ctx context.Context, store model.KeyValueStore, key string, t storedToken) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	if err := store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("%w: failed to store token: %w", model.ErrPersistence, err)
	}
	return nil
}
