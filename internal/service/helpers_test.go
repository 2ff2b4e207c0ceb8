package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/testutil"
)

var (
	fastKDF   = model.KDFParams{Time: 1, MemKiB: 1024, Par: 1}
	testEpoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

const testPassword = "correct-horse"

// failingStore wraps a store and fails writes while failSet is true.
type failingStore struct {
	model.KeyValueStore
	mu      sync.Mutex
	failSet bool
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return assertErrDisk
	}
	return s.KeyValueStore.Set(ctx, key, value)
}

func (s *failingStore) setFailing(v bool) {
	s.mu.Lock()
	s.failSet = v
	s.mu.Unlock()
}

type diskError struct{}

func (diskError) Error() string { return "disk full" }

var assertErrDisk error = diskError{}

// stubSession is a SessionView with settable state.
type stubSession struct {
	mu   sync.Mutex
	snap model.SessionSnapshot
}

func unlockedSession() *stubSession {
	return &stubSession{snap: model.SessionSnapshot{State: model.StateUnlocked, Epoch: 1}}
}

func (s *stubSession) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *stubSession) lock() {
	s.mu.Lock()
	s.snap = model.SessionSnapshot{State: model.StateLocked, Epoch: s.snap.Epoch + 1}
	s.mu.Unlock()
}

type vaultEnv struct {
	durable  *failingStore
	volatile *memory.Store
	clock    *clock.Fake
	vault    *VaultStore
	session  *Session
}

func newVaultEnv(t *testing.T) *vaultEnv {
	t.Helper()
	env := &vaultEnv{
		durable:  &failingStore{KeyValueStore: memory.NewStore()},
		volatile: memory.NewStore(),
		clock:    clock.NewFake(testEpoch),
	}
	log := testutil.MakeNoopLogger()
	env.vault = NewVaultStore(env.durable, fastKDF, env.clock, log)
	env.session = NewSession(env.vault, env.volatile, log)
	return env
}

func (e *vaultEnv) importTestVault(t *testing.T) model.IdentityRecord {
	t.Helper()
	rec, err := e.vault.Import(context.Background(), testutil.TestMnemonic, testPassword)
	require.NoError(t, err)
	return rec
}
