package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/keys"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/secret"
	"github.com/dtroode/didkeeper/internal/testutil"
)

func unlockSeed(t *testing.T, env *vaultEnv, password string) []byte {
	t.Helper()
	buf, err := env.vault.Unlock(context.Background(), password)
	require.NoError(t, err)
	defer buf.Close()

	var seed []byte
	require.NoError(t, buf.Use(func(b []byte) error {
		seed = append([]byte(nil), b...)
		return nil
	}))
	return seed
}

func TestVaultStore_CreateAndUnlock(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)

	mnemonic, err := env.vault.Create(ctx, testPassword)
	require.NoError(t, err)
	require.NoError(t, keys.ValidateMnemonic(mnemonic))

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, v.Identities)
	assert.Equal(t, uint32(0), v.Settings.NextIndex)
	assert.Equal(t, int32(-1), v.Settings.ActiveIndex)
	assert.Equal(t, testEpoch, v.CreatedAt)
	assert.NotContains(t, string(v.EncryptedSeed), mnemonic)

	want, err := keys.SeedFromMnemonic(mnemonic)
	require.NoError(t, err)
	assert.Equal(t, want, unlockSeed(t, env, testPassword))

	_, err = env.vault.Create(ctx, testPassword)
	assert.ErrorIs(t, err, model.ErrVaultExists)
}

func TestVaultStore_Unlock_WrongPassword(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	env.importTestVault(t)

	for _, pw := range []string{"", "correct-horse ", "wrong", "Correct-horse"} {
		_, err := env.vault.Unlock(ctx, pw)
		require.ErrorIs(t, err, model.ErrWrongPassword, "password %q", pw)
		assert.Equal(t, model.KindWrongPassword, model.KindOf(err))
	}
}

func TestVaultStore_Unlock_NoVault(t *testing.T) {
	env := newVaultEnv(t)
	_, err := env.vault.Unlock(context.Background(), testPassword)
	assert.ErrorIs(t, err, model.ErrVaultNotFound)
}

func TestVaultStore_Create_WriteFailureLeavesNoVault(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	env.durable.setFailing(true)

	_, err := env.vault.Create(ctx, testPassword)
	require.ErrorIs(t, err, model.ErrPersistence)

	exists, err := env.vault.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVaultStore_Import(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)

	rec := env.importTestVault(t)

	seed, err := keys.SeedFromMnemonic(testutil.TestMnemonic)
	require.NoError(t, err)
	d0, err := keys.DeriveIdentity(seed, 0)
	require.NoError(t, err)
	assert.Equal(t, d0.DID, rec.DID)
	assert.Equal(t, keys.DerivationPath(0), rec.DerivationPath)

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)
	require.Len(t, v.Identities, 1)
	assert.Equal(t, uint32(1), v.Settings.NextIndex)
	assert.Equal(t, int32(0), v.Settings.ActiveIndex)
}

func TestVaultStore_Import_InvalidMnemonic(t *testing.T) {
	env := newVaultEnv(t)
	_, err := env.vault.Import(context.Background(), "abandon abandon abandon", testPassword)
	require.ErrorIs(t, err, model.ErrInvalidMnemonic)

	exists, err := env.vault.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestVaultStore_AddIdentity(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	env.importTestVault(t)
	seed := unlockSeed(t, env, testPassword)
	defer secret.Zero(seed)

	r1, err := env.vault.AddIdentity(ctx, seed)
	require.NoError(t, err)
	r2, err := env.vault.AddIdentity(ctx, seed)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), r1.DerivationIndex)
	assert.Equal(t, uint32(2), r2.DerivationIndex)
	assert.NotEqual(t, r1.DID, r2.DID)

	again, err := keys.DeriveIdentity(seed, 2)
	require.NoError(t, err)
	assert.Equal(t, again.DID, r2.DID)

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Identities, 3)
	assert.Equal(t, uint32(3), v.Settings.NextIndex)

	_, err = env.vault.AddIdentity(ctx, nil)
	assert.ErrorIs(t, err, model.ErrVaultLocked)
}

func TestVaultStore_AddIdentity_WriteFailureKeepsPriorState(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	env.importTestVault(t)
	seed := unlockSeed(t, env, testPassword)

	env.durable.setFailing(true)
	_, err := env.vault.AddIdentity(ctx, seed)
	require.ErrorIs(t, err, model.ErrPersistence)
	env.durable.setFailing(false)

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, v.Identities, 1)
	assert.Equal(t, uint32(1), v.Settings.NextIndex)
}

func TestVaultStore_RemoveIdentity(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	first := env.importTestVault(t)
	seed := unlockSeed(t, env, testPassword)
	second, err := env.vault.AddIdentity(ctx, seed)
	require.NoError(t, err)
	third, err := env.vault.AddIdentity(ctx, seed)
	require.NoError(t, err)

	_, err = env.vault.SetActive(ctx, third.DID)
	require.NoError(t, err)

	wasActive, err := env.vault.RemoveIdentity(ctx, second.DID)
	require.NoError(t, err)
	assert.False(t, wasActive)

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)
	active, ok := v.Active()
	require.True(t, ok)
	assert.Equal(t, third.DID, active.DID)

	wasActive, err = env.vault.RemoveIdentity(ctx, third.DID)
	require.NoError(t, err)
	assert.True(t, wasActive)

	v, err = env.vault.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), v.Settings.ActiveIndex)
	require.Len(t, v.Identities, 1)
	assert.Equal(t, first.DID, v.Identities[0].DID)
	assert.Equal(t, uint32(3), v.Settings.NextIndex)

	_, err = env.vault.RemoveIdentity(ctx, "did:key:zmissing")
	assert.ErrorIs(t, err, model.ErrIdentityNotFound)
}

func TestVaultStore_UpdateIdentity_KeepsDerivation(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	rec := env.importTestVault(t)

	updated, err := env.vault.UpdateIdentity(ctx, rec.DID, func(r *model.IdentityRecord) {
		r.DisplayName = "Work"
		r.DID = "did:key:zforged"
		r.DerivationIndex = 9
	})
	require.NoError(t, err)
	assert.Equal(t, "Work", updated.DisplayName)
	assert.Equal(t, rec.DID, updated.DID)
	assert.Equal(t, rec.DerivationIndex, updated.DerivationIndex)
}

func TestVaultStore_LegacyRecordMigrated(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	rec := env.importTestVault(t)

	v, err := env.vault.Load(ctx)
	require.NoError(t, err)

	picture := "ipfs://pic"
	legacy := map[string]any{
		"kdf":           v.KDF,
		"salt":          v.Salt,
		"encryptedSeed": v.EncryptedSeed,
		"identities": []map[string]any{
			{"identityDid": rec.DID, "index": 0, "name": "Old name", "picture": picture},
		},
		"settings": map[string]any{"activeIndex": 0},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, env.durable.Set(ctx, model.KeyVault, raw))

	migrated, err := env.vault.Load(ctx)
	require.NoError(t, err)
	require.Len(t, migrated.Identities, 1)
	got := migrated.Identities[0]
	assert.Equal(t, rec.DID, got.DID)
	assert.Equal(t, "Old name", got.DisplayName)
	assert.Equal(t, keys.DerivationPath(0), got.DerivationPath)
	require.NotNil(t, got.PictureRef)
	assert.Equal(t, picture, *got.PictureRef)
	assert.Equal(t, uint32(1), migrated.Settings.NextIndex)

	stored, err := env.durable.Get(ctx, model.KeyVault)
	require.NoError(t, err)
	assert.NotEqual(t, byte('{'), stored[0])

	_, err = env.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)
}

func TestVaultStore_RawRestore(t *testing.T) {
	ctx := context.Background()
	env := newVaultEnv(t)
	rec := env.importTestVault(t)

	raw, err := env.vault.Raw(ctx)
	require.NoError(t, err)

	_, err = env.vault.RestoreRaw(ctx, raw)
	require.ErrorIs(t, err, model.ErrVaultExists)

	require.NoError(t, env.vault.Reset(ctx))
	v, err := env.vault.RestoreRaw(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, rec.DID, v.Identities[0].DID)

	_, err = env.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	_, err = env.vault.RestoreRaw(ctx, []byte("junk"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
