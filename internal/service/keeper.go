package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/secret"
)

// LockStatus is the result of GetLockState.
type LockStatus struct {
	VaultExists bool                  `json:"vaultExists"`
	Session     model.SessionSnapshot `json:"session"`
}

// CreateVaultResult carries the mnemonic of a new vault. It is shown once.
type CreateVaultResult struct {
	Mnemonic string          `json:"mnemonic"`
	Warnings []model.Warning `json:"warnings,omitempty"`
}

// IdentityResult is returned by identity mutations.
type IdentityResult struct {
	Identity model.IdentityRecord  `json:"identity"`
	Session  model.SessionSnapshot `json:"session"`
	Warnings []model.Warning       `json:"warnings,omitempty"`
}

// RestoreResult is returned by SetupRestoreBackup.
type RestoreResult struct {
	Key        string                 `json:"key"`
	Identities []model.IdentityRecord `json:"identities"`
}

// Keeper is the facade every transport calls. Each operation returns a
// payload or an error whose kind model.KindOf can tag.
type Keeper struct {
	vault        *VaultStore
	session      *Session
	tokens       *TokenService
	recovery     *Recovery
	consent      *Consent
	hub          *Hub
	backup       *Backup
	controlPlane model.ControlPlane
	durable      model.KeyValueStore
	logger       *logger.Logger
}

// NewKeeper wires the services together. backup may be nil.
func NewKeeper(
	vault *VaultStore,
	session *Session,
	tokens *TokenService,
	recovery *Recovery,
	consent *Consent,
	hub *Hub,
	backup *Backup,
	controlPlane model.ControlPlane,
	durable model.KeyValueStore,
	logger *logger.Logger,
) *Keeper {
	k := &Keeper{
		vault:        vault,
		session:      session,
		tokens:       tokens,
		recovery:     recovery,
		consent:      consent,
		hub:          hub,
		backup:       backup,
		controlPlane: controlPlane,
		durable:      durable,
		logger:       logger,
	}
	session.OnLock(tokens.PurgeAccessTokens)
	hub.SetSource(k.stateEvent)
	consent.OnChange(hub.Publish)
	return k
}

// GetLockState reports whether a vault exists and the session state.
func (k *Keeper) GetLockState(ctx context.Context) (LockStatus, error) {
	exists, err := k.vault.Exists(ctx)
	if err != nil {
		return LockStatus{}, err
	}
	return LockStatus{VaultExists: exists, Session: k.session.Snapshot()}, nil
}

// SetupCreateVault creates an empty vault and returns its mnemonic.
func (k *Keeper) SetupCreateVault(ctx context.Context, password string) (CreateVaultResult, error) {
	mnemonic, err := k.vault.Create(ctx, password)
	if err != nil {
		return CreateVaultResult{}, err
	}
	res := CreateVaultResult{Mnemonic: mnemonic}
	res.Warnings = k.afterVaultChange(ctx)
	return res, nil
}

// SetupImportVault installs a vault from mnemonic with the index 0
// identity active, then unlocks it.
func (k *Keeper) SetupImportVault(ctx context.Context, mnemonic, password string) (IdentityResult, error) {
	rec, err := k.vault.Import(ctx, mnemonic, password)
	if err != nil {
		return IdentityResult{}, err
	}

	snap, err := k.session.Unlock(ctx, password)
	if err != nil {
		return IdentityResult{}, fmt.Errorf("vault imported but unlock failed: %w", err)
	}

	res := IdentityResult{Identity: rec, Session: snap}
	res.Warnings = k.afterVaultChange(ctx)
	return res, nil
}

// SetupRecoverIdentities scans the control plane for identities of
// mnemonic, installs a vault holding them and unlocks it. Login and
// profile fetches of recovered identities are best-effort.
func (k *Keeper) SetupRecoverIdentities(ctx context.Context, mnemonic, password string) (RecoveryResult, error) {
	if password == "" {
		return RecoveryResult{}, fmt.Errorf("%w: empty password", model.ErrInvalidArgument)
	}
	if exists, err := k.vault.Exists(ctx); err != nil {
		return RecoveryResult{}, err
	} else if exists {
		return RecoveryResult{}, model.ErrVaultExists
	}

	mnemonic = keys.NormalizeMnemonic(mnemonic)
	seed, err := keys.SeedFromMnemonic(mnemonic)
	if err != nil {
		return RecoveryResult{}, err
	}
	res, err := k.recovery.Scan(ctx, seed)
	secret.Zero(seed)
	if err != nil {
		return RecoveryResult{}, err
	}

	active := int32(-1)
	if len(res.Identities) > 0 {
		active = 0
	}
	if err := k.vault.Install(ctx, mnemonic, password, res.Identities, res.NextIndex, active); err != nil {
		return RecoveryResult{}, err
	}
	if _, err := k.session.Unlock(ctx, password); err != nil {
		return RecoveryResult{}, fmt.Errorf("vault recovered but unlock failed: %w", err)
	}

	if len(res.Identities) > 0 {
		enriched, warnings := k.recovery.Enrich(ctx, res.Identities, k.session.Signer)
		res.Warnings = append(res.Warnings, warnings...)
		if err := k.vault.ReplaceIdentities(ctx, enriched, res.NextIndex, active); err != nil {
			res.Warnings = append(res.Warnings, model.NewWarning("store profiles", err))
		} else {
			res.Identities = enriched
		}
	}

	res.Warnings = append(res.Warnings, k.afterVaultChange(ctx)...)
	return res, nil
}

// SetupRestoreBackup installs the vault snapshot stored under key, or the
// latest snapshot when key is empty. The vault stays locked.
func (k *Keeper) SetupRestoreBackup(ctx context.Context, key string) (RestoreResult, error) {
	if k.backup == nil {
		return RestoreResult{}, fmt.Errorf("%w: backups are not configured", model.ErrInvalidArgument)
	}
	raw, err := k.backup.Fetch(ctx, key)
	if err != nil {
		return RestoreResult{}, err
	}
	v, err := k.vault.RestoreRaw(ctx, raw)
	if err != nil {
		return RestoreResult{}, err
	}
	k.hub.Publish(ctx)
	return RestoreResult{Key: BackupKey(raw), Identities: v.Identities}, nil
}

// Unlock unlocks the session with password.
func (k *Keeper) Unlock(ctx context.Context, password string) (model.SessionSnapshot, error) {
	snap, err := k.session.Unlock(ctx, password)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	k.hub.Publish(ctx)
	return snap, nil
}

// Lock locks the session and drops every live access token.
func (k *Keeper) Lock(ctx context.Context) error {
	err := k.session.Lock(ctx)
	k.hub.Publish(ctx)
	return err
}

// CreateIdentity derives the next identity. It becomes active when no
// identity is active yet.
func (k *Keeper) CreateIdentity(ctx context.Context, displayName string) (IdentityResult, error) {
	var rec model.IdentityRecord
	err := k.session.WithSeed(func(seed []byte) error {
		var err error
		rec, err = k.vault.AddIdentity(ctx, seed)
		return err
	})
	if err != nil {
		return IdentityResult{}, err
	}

	if name := strings.TrimSpace(displayName); name != "" {
		rec, err = k.vault.UpdateIdentity(ctx, rec.DID, func(r *model.IdentityRecord) { r.DisplayName = name })
		if err != nil {
			return IdentityResult{}, err
		}
	}

	snap := k.session.Snapshot()
	if snap.ActiveDID == "" {
		snap, err = k.session.SwitchActiveIdentity(ctx, rec.DID)
		if err != nil {
			return IdentityResult{}, err
		}
	}

	res := IdentityResult{Identity: rec, Session: snap}
	res.Warnings = k.afterVaultChange(ctx)
	return res, nil
}

// SwitchIdentity makes did the active identity.
func (k *Keeper) SwitchIdentity(ctx context.Context, did string) (IdentityResult, error) {
	if !k.session.Snapshot().Unlocked() {
		return IdentityResult{}, model.ErrVaultLocked
	}
	snap, err := k.session.SwitchActiveIdentity(ctx, did)
	if err != nil {
		k.hub.Publish(ctx)
		return IdentityResult{}, err
	}
	rec, err := k.identity(ctx, did)
	if err != nil {
		return IdentityResult{}, err
	}
	res := IdentityResult{Identity: rec, Session: snap}
	res.Warnings = k.afterVaultChange(ctx)
	return res, nil
}

// DeleteIdentity removes did with its tokens and grants. Deleting the
// session's active identity locks the session.
func (k *Keeper) DeleteIdentity(ctx context.Context, did string) (IdentityResult, error) {
	if !k.session.Snapshot().Unlocked() {
		return IdentityResult{}, model.ErrVaultLocked
	}
	rec, err := k.identity(ctx, did)
	if err != nil {
		return IdentityResult{}, err
	}
	if _, err := k.vault.RemoveIdentity(ctx, did); err != nil {
		return IdentityResult{}, err
	}

	var warnings []model.Warning
	if err := k.tokens.Forget(ctx, did); err != nil {
		warnings = append(warnings, model.NewWarning("forget tokens", err))
	}
	if err := k.consent.ForgetIdentity(ctx, did); err != nil {
		warnings = append(warnings, model.NewWarning("forget grants", err))
	}
	if k.session.Snapshot().ActiveDID == did {
		if err := k.session.Lock(ctx); err != nil {
			warnings = append(warnings, model.NewWarning("lock", err))
		}
	} else if _, err := k.session.LoadActiveIdentity(ctx); err != nil {
		warnings = append(warnings, model.NewWarning("reload active identity", err))
	}

	res := IdentityResult{Identity: rec, Session: k.session.Snapshot(), Warnings: warnings}
	res.Warnings = append(res.Warnings, k.afterVaultChange(ctx)...)
	return res, nil
}

// ListIdentities returns the stored identities. The list is readable while
// locked; it holds no secret material.
func (k *Keeper) ListIdentities(ctx context.Context) ([]model.IdentityRecord, error) {
	v, err := k.vault.Load(ctx)
	if err != nil {
		return nil, err
	}
	return v.Identities, nil
}

// InitializeAppSession resolves the grants of an application for the
// active identity, waiting for a human decision when needed.
func (k *Keeper) InitializeAppSession(ctx context.Context, manifest model.AppManifest, origin string) (model.AppSession, error) {
	snap := k.session.Snapshot()
	if !snap.Unlocked() {
		return model.AppSession{}, model.ErrVaultLocked
	}
	if snap.ActiveDID == "" {
		return model.AppSession{}, fmt.Errorf("%w: no active identity", model.ErrIdentityNotFound)
	}
	return k.consent.InitializeAppSession(ctx, model.AppSessionRequest{
		Manifest:  manifest,
		Origin:    origin,
		ActiveDID: snap.ActiveDID,
	})
}

// SubmitConsentDecision answers a pending consent request.
func (k *Keeper) SubmitConsentDecision(ctx context.Context, requestID string, decision model.Decision, grants map[string]model.GrantLevel) error {
	return k.consent.SubmitConsentDecision(ctx, requestID, decision, grants)
}

// PendingConsents lists unanswered consent requests.
func (k *Keeper) PendingConsents() []model.ConsentRequest {
	return k.consent.Pending()
}

// ListGrants returns the app decisions recorded for did.
func (k *Keeper) ListGrants(ctx context.Context, did string) ([]model.AppGrant, error) {
	return k.consent.ListGrants(ctx, did)
}

// RevokeApp forgets the decision of an application for did.
func (k *Keeper) RevokeApp(ctx context.Context, did, origin, appID string) error {
	if err := k.consent.RevokeApp(ctx, did, origin, appID); err != nil {
		return err
	}
	k.hub.Publish(ctx)
	return nil
}

// GetValidAccessToken returns a live access token for did.
func (k *Keeper) GetValidAccessToken(ctx context.Context, did string) (string, error) {
	if _, err := k.identity(ctx, did); err != nil {
		return "", err
	}
	return k.tokens.GetValidAccessToken(ctx, did)
}

// LoginIdentity performs the signed-challenge login of did and stores the
// returned remote profile.
func (k *Keeper) LoginIdentity(ctx context.Context, did string) (IdentityResult, error) {
	rec, err := k.identity(ctx, did)
	if err != nil {
		return IdentityResult{}, err
	}
	login, err := k.tokens.Login(ctx, k.session.Signer(rec))
	if err != nil {
		return IdentityResult{}, err
	}
	return k.storeRemote(ctx, did, login.Identity)
}

// RegisterIdentity provisions did on the control plane with its local
// profile.
func (k *Keeper) RegisterIdentity(ctx context.Context, did string) (IdentityResult, error) {
	rec, err := k.identity(ctx, did)
	if err != nil {
		return IdentityResult{}, err
	}
	profile := &model.Profile{DisplayName: rec.DisplayName, PictureRef: rec.PictureRef}
	login, err := k.tokens.Register(ctx, k.session.Signer(rec), profile)
	if err != nil {
		return IdentityResult{}, err
	}
	return k.storeRemote(ctx, did, login.Identity)
}

// UpdateIdentityProfile stores profile locally and pushes it to the
// control plane. A failed push is reported as a warning.
func (k *Keeper) UpdateIdentityProfile(ctx context.Context, did string, profile model.Profile) (IdentityResult, error) {
	if !k.session.Snapshot().Unlocked() {
		return IdentityResult{}, model.ErrVaultLocked
	}
	name := strings.TrimSpace(profile.DisplayName)
	if name == "" {
		return IdentityResult{}, fmt.Errorf("%w: empty display name", model.ErrInvalidArgument)
	}

	rec, err := k.vault.UpdateIdentity(ctx, did, func(r *model.IdentityRecord) {
		r.DisplayName = name
		r.PictureRef = profile.PictureRef
	})
	if err != nil {
		return IdentityResult{}, err
	}

	res := IdentityResult{Identity: rec, Session: k.session.Snapshot()}
	if rec.CloudInstance != nil {
		if err := k.pushProfile(ctx, did, model.Profile{DisplayName: name, PictureRef: profile.PictureRef}); err != nil {
			k.logger.Warn("Keeper service: profile sync failed", "did", did, "error", err.Error())
			res.Warnings = append(res.Warnings, model.NewWarning("sync profile", err))
		}
	}
	res.Warnings = append(res.Warnings, k.afterVaultChange(ctx)...)
	return res, nil
}

func (k *Keeper) pushProfile(ctx context.Context, did string, profile model.Profile) error {
	access, err := k.tokens.GetValidAccessToken(ctx, did)
	if err != nil {
		return err
	}
	_, err = k.controlPlane.PutIdentity(ctx, did, access, profile)
	return err
}

// ResetVault locks the session and removes the vault, its grants and
// tokens.
func (k *Keeper) ResetVault(ctx context.Context) error {
	v, err := k.vault.Load(ctx)
	if err != nil && !errors.Is(err, model.ErrVaultNotFound) {
		return err
	}

	if err := k.session.Lock(ctx); err != nil {
		k.logger.Warn("Keeper service: lock during reset failed", "error", err.Error())
	}
	if v != nil {
		for _, rec := range v.Identities {
			if err := k.tokens.Forget(ctx, rec.DID); err != nil {
				return err
			}
		}
	}
	if err := k.durable.Remove(ctx, model.KeyGrants); err != nil {
		return fmt.Errorf("%w: failed to remove grants: %w", model.ErrPersistence, err)
	}
	if err := k.vault.Reset(ctx); err != nil {
		return err
	}
	k.hub.Publish(ctx)
	return nil
}

// Subscribe attaches a state subscriber.
func (k *Keeper) Subscribe(ctx context.Context, consentCapable bool) *Subscription {
	return k.hub.Subscribe(ctx, consentCapable)
}

func (k *Keeper) identity(ctx context.Context, did string) (model.IdentityRecord, error) {
	v, err := k.vault.Load(ctx)
	if err != nil {
		return model.IdentityRecord{}, err
	}
	pos := v.Find(did)
	if pos < 0 {
		return model.IdentityRecord{}, model.ErrIdentityNotFound
	}
	return v.Identities[pos], nil
}

func (k *Keeper) storeRemote(ctx context.Context, did string, remote model.RemoteIdentity) (IdentityResult, error) {
	rec, err := k.vault.UpdateIdentity(ctx, did, func(r *model.IdentityRecord) { applyRemote(r, remote) })
	if err != nil {
		return IdentityResult{}, err
	}
	res := IdentityResult{Identity: rec, Session: k.session.Snapshot()}
	res.Warnings = k.afterVaultChange(ctx)
	return res, nil
}

// afterVaultChange broadcasts the new state and snapshots the vault.
func (k *Keeper) afterVaultChange(ctx context.Context) []model.Warning {
	k.hub.Publish(ctx)
	if k.backup == nil {
		return nil
	}

	raw, err := k.vault.Raw(ctx)
	if err == nil {
		_, _, err = k.backup.Snapshot(ctx, raw)
	}
	if err != nil {
		k.logger.Warn("Keeper service: backup failed", "error", err.Error())
		return []model.Warning{model.NewWarning("backup", err)}
	}
	return nil
}

func (k *Keeper) stateEvent(ctx context.Context) model.StateEvent {
	ev := model.StateEvent{
		Session:         k.session.Snapshot(),
		PendingConsents: k.consent.Pending(),
	}
	v, err := k.vault.Load(ctx)
	switch {
	case err == nil:
		ev.VaultExists = true
		ev.Identities = v.Identities
	case !errors.Is(err, model.ErrVaultNotFound):
		k.logger.Warn("Keeper service: failed to load vault for broadcast", "error", err.Error())
	}
	return ev
}
