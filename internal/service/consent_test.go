package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/didkeeper/internal/clock"
	servermocks "github.com/dtroode/didkeeper/internal/mocks"
	"github.com/dtroode/didkeeper/internal/model"
	"github.com/dtroode/didkeeper/internal/repository/memory"
	"github.com/dtroode/didkeeper/internal/testutil"
)

const (
	consentDID    = "did:key:zQ3shConsent"
	consentOrigin = "https://notes.example"
	consentTTL    = time.Minute
)

var notesManifest = model.AppManifest{
	AppID:       "notes",
	Name:        "Notes",
	Permissions: []string{"write:notes", "read:profile", "read:profile"},
}

// chanSurface hands presented requests to the test.
type chanSurface struct {
	requests chan model.ConsentRequest
	mu       sync.Mutex
	calls    int
}

func newChanSurface() *chanSurface {
	return &chanSurface{requests: make(chan model.ConsentRequest, 8)}
}

func (s *chanSurface) Present(_ context.Context, req model.ConsentRequest) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.requests <- req
	return nil
}

func (s *chanSurface) presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *chanSurface) next(t *testing.T) model.ConsentRequest {
	t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no consent request presented")
		return model.ConsentRequest{}
	}
}

type consentEnv struct {
	durable *memory.Store
	clock   *clock.Fake
	consent *Consent
	changes int
	mu      sync.Mutex
}

func newConsentEnv(t *testing.T, surface model.ConsentSurface) *consentEnv {
	t.Helper()
	return newConsentEnvFallback(t, surface, false)
}

func newConsentEnvFallback(t *testing.T, surface model.ConsentSurface, fallback bool) *consentEnv {
	t.Helper()
	env := &consentEnv{durable: memory.NewStore(), clock: clock.NewFake(testEpoch)}
	env.consent = NewConsent(env.durable, surface, fallback, env.clock, consentTTL, testutil.MakeNoopLogger())
	env.consent.OnChange(func(context.Context) {
		env.mu.Lock()
		env.changes++
		env.mu.Unlock()
	})
	return env
}

func sessionRequest() model.AppSessionRequest {
	return model.AppSessionRequest{
		Manifest:  notesManifest,
		Origin:    consentOrigin,
		ActiveDID: consentDID,
	}
}

type initResult struct {
	session model.AppSession
	err     error
}

func (e *consentEnv) initAsync(ctx context.Context, req model.AppSessionRequest) <-chan initResult {
	out := make(chan initResult, 1)
	go func() {
		s, err := e.consent.InitializeAppSession(ctx, req)
		out <- initResult{s, err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan initResult) initResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("initializer did not resume")
		return initResult{}
	}
}

func TestConsent_InteractiveAllow(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)

	assert.Equal(t, []string{"read:profile", "write:notes"}, req.RequestedScopes)
	assert.Equal(t, "Notes", req.AppName)
	assert.Equal(t, consentDID, req.ActiveDID)
	assert.Len(t, env.consent.Pending(), 1)

	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, map[string]model.GrantLevel{
		"write:notes": model.GrantAlways,
	}))

	res := waitResult(t, resCh)
	require.NoError(t, res.err)
	assert.Equal(t, map[string]model.GrantLevel{
		"read:profile": model.GrantAlways,
		"write:notes":  model.GrantAlways,
	}, res.session.GrantedPermissions)
	assert.NotEmpty(t, res.session.Handle)
	assert.Empty(t, env.consent.Pending())

	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.False(t, grants[0].Denied)
	assert.True(t, grants[0].DecidedAt.Equal(testEpoch))
}

func TestConsent_DecidedScopesSkipPrompt(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, map[string]model.GrantLevel{
		"read:profile": model.GrantAsk,
		"write:notes":  model.GrantNever,
	}))
	require.NoError(t, waitResult(t, resCh).err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := env.consent.InitializeAppSession(ctx, sessionRequest())
			assert.NoError(t, err)
			assert.Equal(t, model.GrantNever, s.GrantedPermissions["write:notes"])
			assert.Equal(t, model.GrantAsk, s.GrantedPermissions["read:profile"])
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, surface.presented())
}

func TestConsent_SubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)

	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, nil))
	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionDeny, nil))

	res := waitResult(t, resCh)
	require.NoError(t, res.err)
	assert.Equal(t, map[string]model.GrantLevel{
		"read:profile": model.GrantAlways,
		"write:notes":  model.GrantAsk,
	}, res.session.GrantedPermissions)

	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.False(t, grants[0].Denied, "the second submit is ignored")
}

func TestConsent_SubmitUnknownID(t *testing.T) {
	env := newConsentEnv(t, newChanSurface())
	require.NoError(t, env.consent.SubmitConsentDecision(context.Background(), "missing", model.DecisionAllow, nil))
	assert.Equal(t, 0, env.durable.Len())
}

func TestConsent_SubmitValidation(t *testing.T) {
	env := newConsentEnv(t, newChanSurface())
	ctx := context.Background()

	err := env.consent.SubmitConsentDecision(ctx, "id", model.Decision("maybe"), nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	err = env.consent.SubmitConsentDecision(ctx, "id", model.DecisionAllow, map[string]model.GrantLevel{"read:x": "sometimes"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestConsent_DenyPersistsExplicitEmptyGrant(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionDeny, nil))

	res := waitResult(t, resCh)
	require.NoError(t, res.err)
	assert.Empty(t, res.session.GrantedPermissions)
	assert.NotNil(t, res.session.GrantedPermissions)

	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.True(t, grants[0].Denied)
	assert.Empty(t, grants[0].Scopes)

	s, err := env.consent.InitializeAppSession(ctx, sessionRequest())
	require.NoError(t, err)
	assert.Empty(t, s.GrantedPermissions)
	assert.Equal(t, 1, surface.presented(), "a denial is remembered")
}

func TestConsent_DefaultsFallback(t *testing.T) {
	absent := func(t *testing.T) model.ConsentSurface {
		surface := servermocks.NewConsentSurface(t)
		surface.On("Present", mock.Anything, mock.Anything).Return(model.ErrNoConsentSurface).Once()
		return surface
	}
	broken := func(t *testing.T) model.ConsentSurface {
		surface := servermocks.NewConsentSurface(t)
		surface.On("Present", mock.Anything, mock.Anything).Return(errors.New("stream reset")).Once()
		return surface
	}

	tests := []struct {
		name        string
		surface     func(t *testing.T) model.ConsentSurface
		fallback    bool
		wantDefault bool
	}{
		{name: "no surface with fallback", fallback: true, wantDefault: true},
		{name: "absent surface with fallback", surface: absent, fallback: true, wantDefault: true},
		{name: "no surface without fallback"},
		{name: "absent surface without fallback", surface: absent},
		{name: "failing surface with fallback", surface: broken, fallback: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var surface model.ConsentSurface
			if tt.surface != nil {
				surface = tt.surface(t)
			}
			env := newConsentEnvFallback(t, surface, tt.fallback)

			s, err := env.consent.InitializeAppSession(ctx, sessionRequest())
			grants, listErr := env.consent.ListGrants(ctx, consentDID)
			require.NoError(t, listErr)
			assert.Empty(t, env.consent.Pending())

			if !tt.wantDefault {
				assert.ErrorIs(t, err, model.ErrNoConsentSurface)
				assert.Empty(t, grants)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]model.GrantLevel{
				"read:profile": model.GrantAlways,
				"write:notes":  model.GrantAsk,
			}, s.GrantedPermissions)
			require.Len(t, grants, 1)
			assert.Len(t, grants[0].Scopes, 2)
			assert.GreaterOrEqual(t, env.changes, 1)
		})
	}
}

func TestConsent_FallbackPromptsWhenSurfaceAttached(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnvFallback(t, surface, true)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	assert.Equal(t, 1, surface.presented())
	assert.Len(t, env.consent.Pending(), 1)

	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	assert.Empty(t, grants, "nothing is granted before a human answers")

	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionDeny, nil))
	res := waitResult(t, resCh)
	require.NoError(t, res.err)
	assert.Empty(t, res.session.GrantedPermissions)
}

func TestConsent_NoSurface(t *testing.T) {
	env := newConsentEnv(t, nil)

	_, err := env.consent.InitializeAppSession(context.Background(), sessionRequest())
	assert.ErrorIs(t, err, model.ErrNoConsentSurface)
	assert.Empty(t, env.consent.Pending())
}

func TestConsent_PresentFailure(t *testing.T) {
	surface := servermocks.NewConsentSurface(t)
	surface.On("Present", mock.Anything, mock.Anything).Return(errors.New("no subscribers")).Once()
	env := newConsentEnv(t, surface)

	_, err := env.consent.InitializeAppSession(context.Background(), sessionRequest())
	assert.ErrorIs(t, err, model.ErrNoConsentSurface)
	assert.Empty(t, env.consent.Pending())
}

func TestConsent_TTLAbandonsRequest(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)

	env.clock.Advance(consentTTL)

	res := waitResult(t, resCh)
	assert.ErrorIs(t, res.err, model.ErrConsentAbandoned)
	assert.Empty(t, env.consent.Pending())

	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, nil))
	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	assert.Empty(t, grants, "late decisions are dropped")
}

func TestConsent_IdenticalRequestsShareOnePrompt(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	first := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	second := env.initAsync(ctx, sessionRequest())

	// Give the second initializer time to join the parked request.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, env.consent.SubmitConsentDecision(ctx, req.ID, model.DecisionAllow, nil))

	r1, r2 := waitResult(t, first), waitResult(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, r1.session.GrantedPermissions, r2.session.GrantedPermissions)
	assert.NotEqual(t, r1.session.Handle, r2.session.Handle)
	assert.Equal(t, 1, surface.presented())
}

func TestConsent_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	cancel()

	res := waitResult(t, resCh)
	assert.ErrorIs(t, res.err, context.Canceled)

	_, ok := env.consent.PendingRequest(req.ID)
	assert.True(t, ok, "the request stays answerable until its TTL")
}

func TestConsent_RevokeApp(t *testing.T) {
	ctx := context.Background()
	surface := newChanSurface()
	env := newConsentEnv(t, surface)

	allowed := env.initAsync(ctx, sessionRequest())
	first := surface.next(t)
	require.NoError(t, env.consent.SubmitConsentDecision(ctx, first.ID, model.DecisionAllow, nil))
	require.NoError(t, waitResult(t, allowed).err)

	require.NoError(t, env.consent.RevokeApp(ctx, consentDID, consentOrigin, "notes"))
	grants, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	resCh := env.initAsync(ctx, sessionRequest())
	req := surface.next(t)
	assert.True(t, env.consent.Abandon(req.ID))
	assert.ErrorIs(t, waitResult(t, resCh).err, model.ErrConsentAbandoned)
	assert.False(t, env.consent.Abandon(req.ID))
}

func TestConsent_ForgetIdentity(t *testing.T) {
	ctx := context.Background()
	env := newConsentEnvFallback(t, nil, true)

	_, err := env.consent.InitializeAppSession(ctx, sessionRequest())
	require.NoError(t, err)
	other := sessionRequest()
	other.ActiveDID = "did:key:zOther"
	_, err = env.consent.InitializeAppSession(ctx, other)
	require.NoError(t, err)

	require.NoError(t, env.consent.ForgetIdentity(ctx, consentDID))

	mine, err := env.consent.ListGrants(ctx, consentDID)
	require.NoError(t, err)
	assert.Empty(t, mine)
	theirs, err := env.consent.ListGrants(ctx, "did:key:zOther")
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestConsent_InvalidRequest(t *testing.T) {
	env := newConsentEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *model.AppSessionRequest)
	}{
		{"missing app id", func(r *model.AppSessionRequest) { r.Manifest.AppID = "" }},
		{"missing origin", func(r *model.AppSessionRequest) { r.Origin = "" }},
		{"no active identity", func(r *model.AppSessionRequest) { r.ActiveDID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sessionRequest()
			tt.mutate(&req)
			_, err := env.consent.InitializeAppSession(ctx, req)
			assert.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}
}
