package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/keys"
	servermocks "github.com/dtroode/didkeeper/internal/mocks"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/testutil"
)

func testSeed(t *testing.T) []byte {
	t.Helper()
	seed, err := keys.SeedFromMnemonic(testutil.TestMnemonic)
	require.NoError(t, err)
	return seed
}

// indexOf maps the DIDs of the first n indices of seed back to their index.
func indexOf(t *testing.T, seed []byte, n uint32) map[string]uint32 {
	t.Helper()
	out := make(map[string]uint32, n)
	for i := uint32(0); i < n; i++ {
		d, err := keys.DeriveIdentity(seed, i)
		require.NoError(t, err)
		out[d.DID] = i
	}
	return out
}

// statusBy answers Status probes from the index of the probed DID.
func statusBy(index map[string]uint32, fn func(i uint32) (model.IdentityStatus, error)) func(context.Context, string) (model.IdentityStatus, error) {
	return func(_ context.Context, did string) (model.IdentityStatus, error) {
		i, ok := index[did]
		if !ok {
			return model.IdentityStatus{}, errors.New("unexpected did")
		}
		return fn(i)
	}
}

func newTestRecovery(t *testing.T, cp model.ControlPlane, gap int) *Recovery {
	t.Helper()
	tokens := NewTokenService(cp, memory.NewStore(), memory.NewStore(), unlockedSession(), clock.NewFake(testEpoch), testutil.MakeNoopLogger())
	return NewRecovery(cp, tokens, nil, gap, testutil.MakeNoopLogger())
}

func TestRecovery_Scan(t *testing.T) {
	seed := testSeed(t)
	index := indexOf(t, seed, 32)
	active := map[uint32]bool{0: true, 2: true, 5: true}

	tests := []struct {
		name           string
		gap            int
		active         map[uint32]bool
		wantIndices    []uint32
		wantNext       uint32
		wantThrough    uint32
		wantNothing    bool
		wantProbeCount int
	}{
		{
			name:           "gap of three",
			gap:            3,
			active:         active,
			wantIndices:    []uint32{0, 2, 5},
			wantNext:       6,
			wantThrough:    8,
			wantProbeCount: 9,
		},
		{
			name:           "gap of two stops before five",
			gap:            2,
			active:         active,
			wantIndices:    []uint32{0, 2},
			wantNext:       3,
			wantThrough:    4,
			wantProbeCount: 5,
		},
		{
			name:           "nothing active",
			gap:            3,
			active:         map[uint32]bool{},
			wantNext:       0,
			wantThrough:    2,
			wantNothing:    true,
			wantProbeCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := servermocks.NewControlPlane(t)
			cp.On("Status", mock.Anything, mock.Anything).Return(statusBy(index, func(i uint32) (model.IdentityStatus, error) {
				return model.IdentityStatus{IsActive: tt.active[i]}, nil
			}))

			res, err := newTestRecovery(t, cp, tt.gap).Scan(context.Background(), seed)
			require.NoError(t, err)

			var got []uint32
			for _, rec := range res.Identities {
				got = append(got, rec.DerivationIndex)
				assert.Equal(t, keys.DerivationPath(rec.DerivationIndex), rec.DerivationPath)
			}
			assert.Equal(t, tt.wantIndices, got)
			assert.Equal(t, tt.wantNext, res.NextIndex)
			assert.Equal(t, tt.wantThrough, res.ScannedThrough)
			assert.Equal(t, tt.wantNothing, res.NothingFound)
			assert.Empty(t, res.ProbeFailures)
			cp.AssertNumberOfCalls(t, "Status", tt.wantProbeCount)
		})
	}
}

func TestRecovery_ScanFailedProbeCountsAsInactive(t *testing.T) {
	seed := testSeed(t)
	index := indexOf(t, seed, 16)

	cp := servermocks.NewControlPlane(t)
	cp.On("Status", mock.Anything, mock.Anything).Return(statusBy(index, func(i uint32) (model.IdentityStatus, error) {
		switch i {
		case 0:
			return model.IdentityStatus{IsActive: true}, nil
		case 1:
			return model.IdentityStatus{}, model.ErrNetwork
		default:
			return model.IdentityStatus{}, nil
		}
	}))

	res, err := newTestRecovery(t, cp, 2).Scan(context.Background(), seed)
	require.NoError(t, err)

	require.Len(t, res.Identities, 1)
	assert.Equal(t, uint32(1), res.NextIndex)
	assert.Equal(t, uint32(2), res.ScannedThrough)
	assert.Equal(t, []uint32{1}, res.ProbeFailures)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.KindNetworkError, res.Warnings[0].Kind)
}

func TestRecovery_ScanCancelled(t *testing.T) {
	seed := testSeed(t)
	index := indexOf(t, seed, 8)
	ctx, cancel := context.WithCancel(context.Background())

	cp := servermocks.NewControlPlane(t)
	cp.On("Status", mock.Anything, mock.Anything).Return(statusBy(index, func(i uint32) (model.IdentityStatus, error) {
		if i == 1 {
			cancel()
			return model.IdentityStatus{}, context.Canceled
		}
		return model.IdentityStatus{IsActive: true}, nil
	}))

	res, err := newTestRecovery(t, cp, 3).Scan(ctx, seed)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Identities)
}

func TestRecovery_Enrich(t *testing.T) {
	ctx := context.Background()
	seed := testSeed(t)
	first, err := keys.DeriveIdentity(seed, 0)
	require.NoError(t, err)
	second, err := keys.DeriveIdentity(seed, 1)
	require.NoError(t, err)

	records := []model.IdentityRecord{newIdentityRecord(first, 0), newIdentityRecord(second, 1)}
	signerFor := func(rec model.IdentityRecord) model.Signer {
		return testutil.NewSeedSigner(t, rec.DerivationIndex)
	}

	cp := servermocks.NewControlPlane(t)
	cp.On("Login", mock.Anything, mock.MatchedBy(func(c model.SignedChallenge) bool { return c.DID == first.DID })).
		Return(model.LoginResult{
			TokenDetails: model.TokenDetails{AccessToken: "access-0", RefreshToken: "refresh-0"},
			Identity:     model.RemoteIdentity{DID: first.DID, DisplayName: "Alice"},
		}, nil).Once()
	cp.On("Login", mock.Anything, mock.MatchedBy(func(c model.SignedChallenge) bool { return c.DID == second.DID })).
		Return(model.LoginResult{}, model.ErrNetwork).Once()
	cp.On("GetIdentity", mock.Anything, first.DID, "access-0").
		Return(model.RemoteIdentity{
			DID:      first.DID,
			Instance: &model.CloudInstance{URL: "https://alice.example", ID: "i-1", Status: "running"},
		}, nil).Once()

	out, warnings := newTestRecovery(t, cp, 3).Enrich(ctx, records, signerFor)

	require.Len(t, out, 2)
	assert.Equal(t, "Alice", out[0].DisplayName)
	require.NotNil(t, out[0].CloudInstance)
	assert.Equal(t, "running", out[0].CloudInstance.Status)
	assert.Equal(t, records[1], out[1])
	assert.Equal(t, "Identity 1", records[0].DisplayName, "input records are not modified")

	require.Len(t, warnings, 1)
	assert.Equal(t, "login "+second.DID, warnings[0].Step)
}
