package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/secret"
)

// LockHook runs after every lock transition, outside the session locks.
type LockHook func(ctx context.Context) error

// Session is the lock/unlock state machine. The decrypted seed lives only
// here, inside a secret.Buffer that is zeroed on lock.
//
// transition serializes unlock, lock and identity switches. mu guards the
// state fields; WithSeed holds it for reading so lock waits for lenders.
type Session struct {
	transition sync.Mutex
	mu         sync.RWMutex

	state       model.LockState
	seed        *secret.Buffer
	activeDID   string
	activeIndex int32
	epoch       uint64

	vault    *VaultStore
	volatile model.KeyValueStore
	hooks    []LockHook
	logger   *logger.Logger
}

func NewSession(vault *VaultStore, volatile model.KeyValueStore, logger *logger.Logger) *Session {
	return &Session{
		state:       model.StateLocked,
		activeIndex: -1,
		vault:       vault,
		volatile:    volatile,
		logger:      logger,
	}
}

// OnLock registers a hook that runs on every lock. Hooks must be registered
// before the session is shared.
func (s *Session) OnLock(hook LockHook) {
	s.hooks = append(s.hooks, hook)
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.SessionSnapshot{
		State:       s.state,
		ActiveDID:   s.activeDID,
		ActiveIndex: s.activeIndex,
		Epoch:       s.epoch,
	}
}

// Unlock decrypts the seed and loads the active identity. On failure the
// session returns to Locked with nothing populated.
func (s *Session) Unlock(ctx context.Context, password string) (model.SessionSnapshot, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.RLock()
	already := s.state == model.StateUnlocked
	s.mu.RUnlock()

	if already {
		// Re-unlocking still has to present the right password.
		seed, err := s.vault.Unlock(ctx, password)
		if err != nil {
			return model.SessionSnapshot{}, err
		}
		seed.Close()
		return s.Snapshot(), nil
	}

	s.setState(model.StateUnlocking)

	seed, err := s.vault.Unlock(ctx, password)
	if err != nil {
		s.setState(model.StateLocked)
		s.logger.Info("Session service: unlock rejected", "kind", string(model.KindOf(err)))
		return model.SessionSnapshot{}, err
	}

	did, index, err := s.resolveActive(ctx, seed)
	if err != nil {
		seed.Close()
		s.setState(model.StateLocked)
		s.logger.Error("Session service: unlock failed", "error", err.Error())
		return model.SessionSnapshot{}, err
	}

	s.mu.Lock()
	s.seed = seed
	s.state = model.StateUnlocked
	s.activeDID = did
	s.activeIndex = index
	s.epoch++
	s.mu.Unlock()

	s.cacheActiveDID(ctx, did)
	s.logger.Info("Session service: unlocked", "active_did", did)
	return s.Snapshot(), nil
}

// Lock zeroes the seed, clears the active identity and runs the lock hooks.
// It always leaves the session Locked; hook failures are joined into the
// returned error.
func (s *Session) Lock(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()
	return s.lockLocked(ctx)
}

func (s *Session) lockLocked(ctx context.Context) error {
	s.mu.Lock()
	s.seed.Close()
	s.seed = nil
	wasUnlocked := s.state == model.StateUnlocked
	s.state = model.StateLocked
	s.activeDID = ""
	s.activeIndex = -1
	s.epoch++
	s.mu.Unlock()

	var errs []error
	if err := s.volatile.Remove(ctx, model.KeySessionActiveDID); err != nil {
		errs = append(errs, err)
	}
	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if wasUnlocked {
		s.logger.Info("Session service: locked")
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Session service: lock cleanup failed", "error", err.Error())
		return fmt.Errorf("%w: lock cleanup: %w", model.ErrPersistence, err)
	}
	return nil
}

// LoadActiveIdentity re-derives the active DID from the stored active
// index. An unset index leaves the session unlocked with no identity.
func (s *Session) LoadActiveIdentity(ctx context.Context) (model.SessionSnapshot, error) {
	s.transition.Lock()
	defer s.transition.Unlock()
	return s.reloadLocked(ctx, "")
}

// SwitchActiveIdentity persists did as the active identity and, if
// unlocked, reloads it. A DID that does not re-derive to the requested one
// locks the session.
func (s *Session) SwitchActiveIdentity(ctx context.Context, did string) (model.SessionSnapshot, error) {
	s.transition.Lock()
	defer s.transition.Unlock()

	if _, err := s.vault.SetActive(ctx, did); err != nil {
		return model.SessionSnapshot{}, err
	}

	s.mu.RLock()
	unlocked := s.state == model.StateUnlocked
	s.mu.RUnlock()
	if !unlocked {
		return s.Snapshot(), nil
	}
	return s.reloadLocked(ctx, did)
}

func (s *Session) reloadLocked(ctx context.Context, want string) (model.SessionSnapshot, error) {
	s.mu.RLock()
	seed := s.seed
	unlocked := s.state == model.StateUnlocked
	s.mu.RUnlock()
	if !unlocked {
		return model.SessionSnapshot{}, model.ErrVaultLocked
	}

	did, index, err := s.resolveActive(ctx, seed)
	if err == nil && want != "" && did != want {
		err = fmt.Errorf("%w: active identity is %q after switching to %q", model.ErrConsistency, did, want)
	}
	if err != nil {
		if errors.Is(err, model.ErrConsistency) {
			s.logger.Error("Session service: inconsistent active identity, locking", "error", err.Error())
			if lockErr := s.lockLocked(ctx); lockErr != nil {
				return model.SessionSnapshot{}, errors.Join(err, lockErr)
			}
		}
		return model.SessionSnapshot{}, err
	}

	s.mu.Lock()
	s.activeDID = did
	s.activeIndex = index
	s.mu.Unlock()

	s.cacheActiveDID(ctx, did)
	return s.Snapshot(), nil
}

// resolveActive derives the DID at the stored active index and checks it
// against the stored record.
func (s *Session) resolveActive(ctx context.Context, seed *secret.Buffer) (string, int32, error) {
	v, err := s.vault.Load(ctx)
	if err != nil {
		return "", -1, err
	}
	rec, ok := v.Active()
	if !ok {
		return "", -1, nil
	}

	var derived keys.Derived
	err = seed.Use(func(b []byte) error {
		var err error
		derived, err = keys.DeriveIdentity(b, rec.DerivationIndex)
		return err
	})
	if err != nil {
		return "", -1, fmt.Errorf("failed to derive active identity: %w", err)
	}
	if derived.DID != rec.DID {
		return "", -1, fmt.Errorf("%w: stored %q re-derives to %q", model.ErrConsistency, rec.DID, derived.DID)
	}
	return rec.DID, v.Settings.ActiveIndex, nil
}

// WithSeed lends the decrypted seed to fn. The slice must not be retained.
func (s *Session) WithSeed(fn func(seed []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != model.StateUnlocked || s.seed == nil {
		return model.ErrVaultLocked
	}
	return s.seed.Use(fn)
}

// Signer returns a signer for rec that derives its private key per call.
func (s *Session) Signer(rec model.IdentityRecord) model.Signer {
	return &seedSigner{session: s, rec: rec}
}

func (s *Session) setState(state model.LockState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) cacheActiveDID(ctx context.Context, did string) {
	var err error
	if did == "" {
		err = s.volatile.Remove(ctx, model.KeySessionActiveDID)
	} else {
		err = s.volatile.Set(ctx, model.KeySessionActiveDID, []byte(did))
	}
	if err != nil {
		s.logger.Warn("Session service: failed to cache active identity", "error", err.Error())
	}
}

type seedSigner struct {
	session *Session
	rec     model.IdentityRecord
}

func (s *seedSigner) DID() string { return s.rec.DID }

func (s *seedSigner) Sign(payload []byte) (string, error) {
	var sig string
	err := s.session.WithSeed(func(seed []byte) error {
		return keys.WithKeyPair(seed, s.rec.DerivationIndex, func(kp *keys.KeyPair) error {
			did, err := keys.DIDFromPublicKey(kp.PublicKey)
			if err != nil {
				return err
			}
			if did != s.rec.DID {
				return fmt.Errorf("%w: index %d does not derive %q", model.ErrConsistency, s.rec.DerivationIndex, s.rec.DID)
			}
			sig, err = keys.SignChallenge(kp.PrivateKey, payload)
			return err
		})
	})
	return sig, err
}
