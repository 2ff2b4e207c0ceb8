package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/controlplane"
	"github.com/dtroode/didkeeper/internal/controlplane/controlplanetest"
	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/testutil"
)

type keeperEnv struct {
	cp       *controlplanetest.Server
	durable  *memory.Store
	volatile *memory.Store
	objects  *memObjects
	tokens   *TokenService
	keeper   *Keeper
}

func newKeeperEnv(t *testing.T) *keeperEnv {
	t.Helper()
	log := testutil.MakeNoopLogger()
	clk := clock.Real()

	env := &keeperEnv{
		cp:       controlplanetest.New(t),
		durable:  memory.NewStore(),
		volatile: memory.NewStore(),
		objects:  newMemObjects(),
	}
	client := controlplane.NewClient(env.cp.URL, env.cp.Client(), 5*time.Second, log)

	vault := NewVaultStore(env.durable, fastKDF, clk, log)
	session := NewSession(vault, env.volatile, log)
	env.tokens = NewTokenService(client, env.durable, env.volatile, session, clk, log)
	recovery := NewRecovery(client, env.tokens, nil, 3, log)
	hub := NewHub(clk, log)
	consent := NewConsent(env.durable, hub, false, clk, time.Minute, log)
	backup, err := NewBackup(env.objects, "", "", log)
	require.NoError(t, err)

	env.keeper = NewKeeper(vault, session, env.tokens, recovery, consent, hub, backup, client, env.durable, log)
	return env
}

func deriveDID(t *testing.T, index uint32) string {
	t.Helper()
	return testutil.NewSeedSigner(t, index).DID()
}

func TestKeeper_ImportLoginLockUnlock(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	state, err := env.keeper.GetLockState(ctx)
	require.NoError(t, err)
	assert.False(t, state.VaultExists)
	assert.Equal(t, model.StateLocked, state.Session.State)

	imported, err := env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)
	did := imported.Identity.DID
	assert.Equal(t, deriveDID(t, 0), did)
	assert.Equal(t, "m/44'/1237'/0'/0'/0'", imported.Identity.DerivationPath)
	assert.Equal(t, model.StateUnlocked, imported.Session.State)
	assert.Equal(t, did, imported.Session.ActiveDID)
	assert.Empty(t, imported.Warnings)

	_, err = env.keeper.GetValidAccessToken(ctx, did)
	require.ErrorIs(t, err, model.ErrFullLoginRequired)

	registered, err := env.keeper.RegisterIdentity(ctx, did)
	require.NoError(t, err)
	require.NotNil(t, registered.Identity.CloudInstance)
	assert.Equal(t, "running", registered.Identity.CloudInstance.Status)

	access, err := env.keeper.GetValidAccessToken(ctx, did)
	require.NoError(t, err)
	again, err := env.keeper.GetValidAccessToken(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, access, again)
	assert.Equal(t, 0, env.cp.Calls("POST /auth/refresh"))

	require.NoError(t, env.keeper.Lock(ctx))
	_, err = env.keeper.GetValidAccessToken(ctx, did)
	require.ErrorIs(t, err, model.ErrVaultLocked)
	_, err = env.volatile.Get(ctx, model.AccessTokenKey(did))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.keeper.Unlock(ctx, "wrong")
	require.ErrorIs(t, err, model.ErrWrongPassword)

	snap, err := env.keeper.Unlock(ctx, testPassword)
	require.NoError(t, err)
	assert.Equal(t, did, snap.ActiveDID)

	_, err = env.keeper.GetValidAccessToken(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, 1, env.cp.Calls("POST /auth/refresh"), "the durable refresh token survives the lock")
}

func TestKeeper_ImportOverExistingVault(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	_, err := env.keeper.SetupCreateVault(ctx, testPassword)
	require.NoError(t, err)

	_, err = env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	assert.ErrorIs(t, err, model.ErrVaultExists)
}

func TestKeeper_CreateVaultThenIdentities(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	created, err := env.keeper.SetupCreateVault(ctx, testPassword)
	require.NoError(t, err)
	require.NoError(t, keys.ValidateMnemonic(created.Mnemonic))

	_, err = env.keeper.CreateIdentity(ctx, "Personal")
	require.ErrorIs(t, err, model.ErrVaultLocked)

	snap, err := env.keeper.Unlock(ctx, testPassword)
	require.NoError(t, err)
	assert.Empty(t, snap.ActiveDID)

	personal, err := env.keeper.CreateIdentity(ctx, "Personal")
	require.NoError(t, err)
	assert.Equal(t, "Personal", personal.Identity.DisplayName)
	assert.Equal(t, personal.Identity.DID, personal.Session.ActiveDID, "the first identity becomes active")

	work, err := env.keeper.CreateIdentity(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), work.Identity.DerivationIndex)
	assert.Equal(t, "Identity 2", work.Identity.DisplayName)
	assert.Equal(t, personal.Identity.DID, work.Session.ActiveDID)

	switched, err := env.keeper.SwitchIdentity(ctx, work.Identity.DID)
	require.NoError(t, err)
	assert.Equal(t, work.Identity.DID, switched.Session.ActiveDID)
	assert.Equal(t, int32(1), switched.Session.ActiveIndex)

	_, err = env.keeper.SwitchIdentity(ctx, "did:key:zUnknown")
	assert.ErrorIs(t, err, model.ErrIdentityNotFound)

	deleted, err := env.keeper.DeleteIdentity(ctx, personal.Identity.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnlocked, deleted.Session.State)
	assert.Equal(t, work.Identity.DID, deleted.Session.ActiveDID)
	assert.Equal(t, int32(0), deleted.Session.ActiveIndex)

	deleted, err = env.keeper.DeleteIdentity(ctx, work.Identity.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StateLocked, deleted.Session.State, "deleting the active identity locks")

	list, err := env.keeper.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestKeeper_RecoverIdentities(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	env.cp.Activate(deriveDID(t, 0), model.Profile{DisplayName: "Alice"})
	env.cp.Activate(deriveDID(t, 2), model.Profile{DisplayName: "Alice at work"})
	env.cp.FailStatus(deriveDID(t, 3))

	res, err := env.keeper.SetupRecoverIdentities(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)

	require.Len(t, res.Identities, 2)
	assert.Equal(t, "Alice", res.Identities[0].DisplayName)
	assert.Equal(t, "Alice at work", res.Identities[1].DisplayName)
	assert.Equal(t, uint32(3), res.NextIndex)
	assert.Equal(t, uint32(5), res.ScannedThrough)
	assert.Equal(t, []uint32{3}, res.ProbeFailures)
	assert.False(t, res.NothingFound)

	state, err := env.keeper.GetLockState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnlocked, state.Session.State)
	assert.Equal(t, deriveDID(t, 0), state.Session.ActiveDID)

	_, err = env.keeper.GetValidAccessToken(ctx, deriveDID(t, 2))
	require.NoError(t, err, "recovered identities are logged in")

	next, err := env.keeper.CreateIdentity(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), next.Identity.DerivationIndex)
}

func TestKeeper_RecoverNothingFound(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	res, err := env.keeper.SetupRecoverIdentities(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)
	assert.True(t, res.NothingFound)
	assert.Empty(t, res.Identities)

	state, err := env.keeper.GetLockState(ctx)
	require.NoError(t, err)
	assert.True(t, state.VaultExists)
	assert.Empty(t, state.Session.ActiveDID)
}

func TestKeeper_RecoverInvalidMnemonic(t *testing.T) {
	env := newKeeperEnv(t)
	_, err := env.keeper.SetupRecoverIdentities(context.Background(), "abandon abandon", testPassword)
	assert.ErrorIs(t, err, model.ErrInvalidMnemonic)
	assert.Equal(t, 0, env.cp.Calls("GET /identities/{did}/status"))
}

func TestKeeper_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	imported, err := env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)
	did := imported.Identity.DID

	local, err := env.keeper.UpdateIdentityProfile(ctx, did, model.Profile{DisplayName: "Offline"})
	require.NoError(t, err)
	assert.Equal(t, "Offline", local.Identity.DisplayName)
	assert.Empty(t, local.Warnings, "identities without an instance are not synced")

	_, err = env.keeper.RegisterIdentity(ctx, did)
	require.NoError(t, err)

	synced, err := env.keeper.UpdateIdentityProfile(ctx, did, model.Profile{DisplayName: "Online"})
	require.NoError(t, err)
	assert.Empty(t, synced.Warnings)
	remote, ok := env.cp.Identity(did)
	require.True(t, ok)
	assert.Equal(t, "Online", remote.DisplayName)

	require.NoError(t, env.tokens.Forget(ctx, did))
	stale, err := env.keeper.UpdateIdentityProfile(ctx, did, model.Profile{DisplayName: "Stale"})
	require.NoError(t, err)
	assert.Equal(t, "Stale", stale.Identity.DisplayName)
	require.Len(t, stale.Warnings, 1)
	assert.Equal(t, model.KindFullLoginRequired, stale.Warnings[0].Kind)

	_, err = env.keeper.UpdateIdentityProfile(ctx, did, model.Profile{DisplayName: "  "})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestKeeper_ConsentRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	imported, err := env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)

	_, err = env.keeper.InitializeAppSession(ctx, notesManifest, consentOrigin)
	require.ErrorIs(t, err, model.ErrNoConsentSurface)

	sub := env.keeper.Subscribe(ctx, true)
	defer sub.Close()

	type result struct {
		session model.AppSession
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := env.keeper.InitializeAppSession(ctx, notesManifest, consentOrigin)
		done <- result{s, err}
	}()

	var req model.ConsentRequest
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.Events():
			if len(ev.PendingConsents) > 0 {
				req = ev.PendingConsents[0]
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, imported.Identity.DID, req.ActiveDID)
	require.NoError(t, env.keeper.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, nil))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, model.GrantAlways, r.session.GrantedPermissions["read:profile"])

	grants, err := env.keeper.ListGrants(ctx, imported.Identity.DID)
	require.NoError(t, err)
	require.Len(t, grants, 1)

	require.NoError(t, env.keeper.RevokeApp(ctx, imported.Identity.DID, consentOrigin, notesManifest.AppID))
	grants, err = env.keeper.ListGrants(ctx, imported.Identity.DID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	require.NoError(t, env.keeper.Lock(ctx))
	_, err = env.keeper.InitializeAppSession(ctx, notesManifest, consentOrigin)
	assert.ErrorIs(t, err, model.ErrVaultLocked)
}

func TestKeeper_BackupAndRestore(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	imported, err := env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)
	latest := string(env.objects.get("vault/latest"))
	assert.NotEmpty(t, latest)

	require.NoError(t, env.keeper.ResetVault(ctx))
	state, err := env.keeper.GetLockState(ctx)
	require.NoError(t, err)
	assert.False(t, state.VaultExists)
	assert.Equal(t, model.StateLocked, state.Session.State)

	restored, err := env.keeper.SetupRestoreBackup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, latest, restored.Key)
	require.Len(t, restored.Identities, 1)

	_, err = env.keeper.SetupRestoreBackup(ctx, "")
	assert.ErrorIs(t, err, model.ErrVaultExists)

	snap, err := env.keeper.Unlock(ctx, testPassword)
	require.NoError(t, err)
	assert.Equal(t, imported.Identity.DID, snap.ActiveDID)
}

func TestKeeper_SubscribeSeesStateChanges(t *testing.T) {
	ctx := context.Background()
	env := newKeeperEnv(t)

	sub := env.keeper.Subscribe(ctx, false)
	defer sub.Close()

	first := <-sub.Events()
	assert.False(t, first.VaultExists)

	_, err := env.keeper.SetupImportVault(ctx, testutil.TestMnemonic, testPassword)
	require.NoError(t, err)

	latest := <-sub.Events()
	assert.True(t, latest.VaultExists)
	assert.Equal(t, model.StateUnlocked, latest.Session.State)
	require.Len(t, latest.Identities, 1)
	assert.Greater(t, latest.Seq, first.Seq)
}
