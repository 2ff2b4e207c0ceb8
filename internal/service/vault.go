package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/crypto"
	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/secret"
)

// VaultStore persists the encrypted seed and the identity list under one
// durable key. Every mutation is a single Set of the whole record, so a
// failed write leaves the previous record in place.
type VaultStore struct {
	mu     sync.Mutex
	store  model.KeyValueStore
	kdf    model.KDFParams
	clock  clock.Clock
	logger *logger.Logger
}

func NewVaultStore(store model.KeyValueStore, kdf model.KDFParams, clk clock.Clock, logger *logger.Logger) *VaultStore {
	if kdf.Time == 0 || kdf.MemKiB == 0 || kdf.Par == 0 {
		kdf = crypto.DefaultKDFParams()
	}
	return &VaultStore{store: store, kdf: kdf, clock: clk, logger: logger}
}

// Exists reports whether a vault record is present.
func (s *VaultStore) Exists(ctx context.Context) (bool, error) {
	_, err := s.store.Get(ctx, model.KeyVault)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: failed to read vault: %w", model.ErrPersistence, err)
	}
	return true, nil
}

// Create generates a new mnemonic and persists an empty vault sealed under
// password. The mnemonic is returned once for the user to write down.
func (s *VaultStore) Create(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", model.ErrInvalidArgument)
	}

	mnemonic, err := keys.NewMnemonic()
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureAbsent(ctx); err != nil {
		return "", err
	}

	v, err := s.seal(mnemonic, password)
	if err != nil {
		return "", err
	}
	if err := s.write(ctx, v); err != nil {
		return "", err
	}

	s.logger.Info("Vault service: vault created")
	return mnemonic, nil
}

// Import validates mnemonic and persists a vault holding the identity at
// index 0 as the active one.
func (s *VaultStore) Import(ctx context.Context, mnemonic, password string) (model.IdentityRecord, error) {
	mnemonic = keys.NormalizeMnemonic(mnemonic)
	seed, err := keys.SeedFromMnemonic(mnemonic)
	if err != nil {
		return model.IdentityRecord{}, err
	}
	defer secret.Zero(seed)

	derived, err := keys.DeriveIdentity(seed, 0)
	if err != nil {
		return model.IdentityRecord{}, fmt.Errorf("failed to derive identity: %w", err)
	}
	rec := newIdentityRecord(derived, 0)

	if err := s.Install(ctx, mnemonic, password, []model.IdentityRecord{rec}, 1, 0); err != nil {
		return model.IdentityRecord{}, err
	}
	return rec, nil
}

// Install persists a vault for an already chosen identity list. It is the
// final step of import and recovery.
func (s *VaultStore) Install(ctx context.Context, mnemonic, password string, identities []model.IdentityRecord, nextIndex uint32, activeIndex int32) error {
	if password == "" {
		return fmt.Errorf("%w: empty password", model.ErrInvalidArgument)
	}
	mnemonic = keys.NormalizeMnemonic(mnemonic)
	if err := keys.ValidateMnemonic(mnemonic); err != nil {
		return err
	}
	if activeIndex < -1 || int(activeIndex) >= len(identities) {
		return fmt.Errorf("%w: active index %d out of range", model.ErrInvalidArgument, activeIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureAbsent(ctx); err != nil {
		return err
	}

	v, err := s.seal(mnemonic, password)
	if err != nil {
		return err
	}
	v.Identities = append([]model.IdentityRecord(nil), identities...)
	v.Settings = model.VaultSettings{NextIndex: nextIndex, ActiveIndex: activeIndex}

	if err := s.write(ctx, v); err != nil {
		return err
	}

	s.logger.Info("Vault service: vault installed", "identities", len(identities), "next_index", nextIndex)
	return nil
}

// Unlock decrypts the mnemonic and returns the seed in a guarded buffer
// owned by the caller. Any decryption failure is ErrWrongPassword.
func (s *VaultStore) Unlock(ctx context.Context, password string) (*secret.Buffer, error) {
	v, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveEncryptionKey([]byte(password), v.Salt, v.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	defer key.Close()

	plaintext, err := crypto.Open(key, v.EncryptedSeed, vaultAAD(v.Version, v.Salt))
	if err != nil {
		return nil, model.ErrWrongPassword
	}
	defer secret.Zero(plaintext)

	seed, err := keys.SeedFromMnemonicBytes(plaintext)
	if err != nil {
		return nil, model.ErrWrongPassword
	}

	return secret.NewFromBytes(seed)
}

// Load returns the current vault record, migrating a legacy encoding in
// place.
func (s *VaultStore) Load(ctx context.Context) (*model.Vault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// AddIdentity derives the identity at the next free index and appends it.
func (s *VaultStore) AddIdentity(ctx context.Context, seed []byte) (model.IdentityRecord, error) {
	if len(seed) == 0 {
		return model.IdentityRecord{}, model.ErrVaultLocked
	}

	var rec model.IdentityRecord
	err := s.mutate(ctx, func(v *model.Vault) error {
		index := v.Settings.NextIndex
		derived, err := keys.DeriveIdentity(seed, index)
		if err != nil {
			return fmt.Errorf("failed to derive identity %d: %w", index, err)
		}
		rec = newIdentityRecord(derived, index)
		v.Identities = append(v.Identities, rec)
		v.Settings.NextIndex = index + 1
		return nil
	})
	if err != nil {
		return model.IdentityRecord{}, err
	}

	s.logger.Info("Vault service: identity added", "did", rec.DID, "index", rec.DerivationIndex)
	return rec, nil
}

// RemoveIdentity deletes the record of did and reports whether it was the
// active identity. The active index is cleared or shifted accordingly.
func (s *VaultStore) RemoveIdentity(ctx context.Context, did string) (bool, error) {
	var wasActive bool
	err := s.mutate(ctx, func(v *model.Vault) error {
		pos := v.Find(did)
		if pos < 0 {
			return model.ErrIdentityNotFound
		}
		active := v.Settings.ActiveIndex
		wasActive = int32(pos) == active
		v.Identities = append(v.Identities[:pos], v.Identities[pos+1:]...)
		switch {
		case wasActive:
			v.Settings.ActiveIndex = -1
		case active > int32(pos):
			v.Settings.ActiveIndex = active - 1
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Info("Vault service: identity removed", "did", did, "was_active", wasActive)
	return wasActive, nil
}

// SetActive marks did as the active identity.
func (s *VaultStore) SetActive(ctx context.Context, did string) (model.IdentityRecord, error) {
	var rec model.IdentityRecord
	err := s.mutate(ctx, func(v *model.Vault) error {
		pos := v.Find(did)
		if pos < 0 {
			return model.ErrIdentityNotFound
		}
		v.Settings.ActiveIndex = int32(pos)
		rec = v.Identities[pos]
		return nil
	})
	return rec, err
}

// UpdateIdentity applies fn to the record of did and persists the result.
// The DID and derivation fields cannot be changed by fn.
func (s *VaultStore) UpdateIdentity(ctx context.Context, did string, fn func(rec *model.IdentityRecord)) (model.IdentityRecord, error) {
	var rec model.IdentityRecord
	err := s.mutate(ctx, func(v *model.Vault) error {
		pos := v.Find(did)
		if pos < 0 {
			return model.ErrIdentityNotFound
		}
		updated := v.Identities[pos]
		fn(&updated)
		updated.DID = v.Identities[pos].DID
		updated.DerivationIndex = v.Identities[pos].DerivationIndex
		updated.DerivationPath = v.Identities[pos].DerivationPath
		v.Identities[pos] = updated
		rec = updated
		return nil
	})
	return rec, err
}

// ReplaceIdentities swaps the identity list and settings in one write.
func (s *VaultStore) ReplaceIdentities(ctx context.Context, identities []model.IdentityRecord, nextIndex uint32, activeIndex int32) error {
	if activeIndex < -1 || int(activeIndex) >= len(identities) {
		return fmt.Errorf("%w: active index %d out of range", model.ErrInvalidArgument, activeIndex)
	}
	return s.mutate(ctx, func(v *model.Vault) error {
		v.Identities = append([]model.IdentityRecord(nil), identities...)
		v.Settings = model.VaultSettings{NextIndex: nextIndex, ActiveIndex: activeIndex}
		return nil
	})
}

// Reset removes the vault record.
func (s *VaultStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Remove(ctx, model.KeyVault); err != nil {
		return fmt.Errorf("%w: failed to remove vault: %w", model.ErrPersistence, err)
	}
	s.logger.Warn("Vault service: vault reset")
	return nil
}

// Raw returns the stored vault encoding for backups.
func (s *VaultStore) Raw(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return encodeVault(v)
}

// RestoreRaw installs a vault encoding produced by Raw when no vault exists.
func (s *VaultStore) RestoreRaw(ctx context.Context, raw []byte) (*model.Vault, error) {
	v, _, err := decodeVault(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidArgument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureAbsent(ctx); err != nil {
		return nil, err
	}
	if err := s.write(ctx, v); err != nil {
		return nil, err
	}

	s.logger.Info("Vault service: vault restored", "identities", len(v.Identities))
	return v, nil
}

func (s *VaultStore) mutate(ctx context.Context, fn func(v *model.Vault) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(v); err != nil {
		return err
	}
	return s.write(ctx, v)
}

func (s *VaultStore) load(ctx context.Context) (*model.Vault, error) {
	raw, err := s.store.Get(ctx, model.KeyVault)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrVaultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read vault: %w", model.ErrPersistence, err)
	}

	v, migrated, err := decodeVault(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	if migrated {
		if err := s.write(ctx, v); err != nil {
			s.logger.Warn("Vault service: failed to persist migrated vault", "error", err.Error())
		} else {
			s.logger.Info("Vault service: legacy vault migrated", "identities", len(v.Identities))
		}
	}
	return v, nil
}

func (s *VaultStore) write(ctx context.Context, v *model.Vault) error {
	raw, err := encodeVault(v)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, model.KeyVault, raw); err != nil {
		return fmt.Errorf("%w: failed to write vault: %w", model.ErrPersistence, err)
	}
	return nil
}

func (s *VaultStore) ensureAbsent(ctx context.Context) error {
	_, err := s.store.Get(ctx, model.KeyVault)
	switch {
	case err == nil:
		return model.ErrVaultExists
	case errors.Is(err, model.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("%w: failed to read vault: %w", model.ErrPersistence, err)
	}
}

func (s *VaultStore) seal(mnemonic, password string) (*model.Vault, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveEncryptionKey([]byte(password), salt, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	defer key.Close()

	plaintext := []byte(mnemonic)
	defer secret.Zero(plaintext)

	sealed, err := crypto.Seal(key, plaintext, vaultAAD(vaultVersion, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to seal seed: %w", err)
	}

	return &model.Vault{
		Version:       vaultVersion,
		KDF:           s.kdf,
		Salt:          salt,
		EncryptedSeed: sealed,
		Settings:      model.VaultSettings{NextIndex: 0, ActiveIndex: -1},
		CreatedAt:     s.clock.Now().UTC(),
	}, nil
}

func newIdentityRecord(d keys.Derived, index uint32) model.IdentityRecord {
	return model.IdentityRecord{
		DID:             d.DID,
		DerivationIndex: index,
		DerivationPath:  d.Path,
		DisplayName:     defaultDisplayName(index),
	}
}

func defaultDisplayName(index uint32) string {
	return fmt.Sprintf("Identity %d", index+1)
}
