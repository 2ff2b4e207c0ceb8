package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

// DefaultConsentTTL bounds how long an unanswered consent request stays
// parked.
const DefaultConsentTTL = 5 * time.Minute

// errSurfaceAbsent marks a prompt that failed because nobody can show it,
// as opposed to a surface that failed while showing it.
var errSurfaceAbsent = errors.New("consent surface absent")

type grantTable map[string]model.AppGrant

func grantKey(did, origin, appID string) string {
	return did + "|" + origin + "|" + appID
}

// Consent decides which scopes an application may use and parks callers
// until a human answers when a decision is missing.
type Consent struct {
	mu       sync.Mutex
	durable  model.KeyValueStore
	pending  *pendingTable
	surface  model.ConsentSurface
	fallback bool
	clock    clock.Clock
	notify   func(ctx context.Context)
	logger   *logger.Logger
}

// NewConsent creates the engine. surface may be nil. When no surface can
// show a prompt, undecided scopes get the default policy if fallback is
// set and fail with ErrNoConsentSurface otherwise.
func NewConsent(durable model.KeyValueStore, surface model.ConsentSurface, fallback bool, clk clock.Clock, ttl time.Duration, logger *logger.Logger) *Consent {
	c := &Consent{
		durable:  durable,
		pending:  newPendingTable(clk, ttl),
		surface:  surface,
		fallback: fallback,
		clock:    clk,
		notify:   func(context.Context) {},
		logger:   logger,
	}
	c.pending.onAbandon = func(req model.ConsentRequest) {
		c.logger.Info("Consent service: request abandoned", "request_id", req.ID, "app_id", req.AppID, "origin", req.Origin)
		c.notify(context.Background())
	}
	return c
}

// OnChange registers the callback run after grants or pending requests
// change.
func (c *Consent) OnChange(fn func(ctx context.Context)) {
	c.notify = fn
}

// InitializeAppSession returns the grants of the requested scopes, parking
// the caller on a consent request when any scope is undecided.
func (c *Consent) InitializeAppSession(ctx context.Context, req model.AppSessionRequest) (model.AppSession, error) {
	scopes, err := validateSessionRequest(req)
	if err != nil {
		return model.AppSession{}, err
	}

	session := model.AppSession{
		Handle: uuid.NewString(),
		AppID:  req.Manifest.AppID,
		Origin: req.Origin,
		DID:    req.ActiveDID,
	}

	grants, err := c.loadGrants(ctx)
	if err != nil {
		return model.AppSession{}, err
	}
	existing, known := grants[grantKey(req.ActiveDID, req.Origin, req.Manifest.AppID)]

	if known && existing.Denied {
		session.GrantedPermissions = map[string]model.GrantLevel{}
		return session, nil
	}

	var undecided []string
	for _, scope := range scopes {
		if _, ok := existing.Scopes[scope]; !ok {
			undecided = append(undecided, scope)
		}
	}
	if len(undecided) == 0 {
		session.GrantedPermissions = pick(existing.Scopes, scopes)
		return session, nil
	}

	if c.surface == nil {
		if c.fallback {
			return c.applyDefaults(ctx, req, session, scopes, undecided)
		}
		return model.AppSession{}, model.ErrNoConsentSurface
	}

	outcome, err := c.awaitDecision(ctx, req, scopes)
	if errors.Is(err, errSurfaceAbsent) {
		if c.fallback {
			return c.applyDefaults(ctx, req, session, scopes, undecided)
		}
		err = model.ErrNoConsentSurface
	}
	if err != nil {
		return model.AppSession{}, err
	}
	if outcome.denied {
		session.GrantedPermissions = map[string]model.GrantLevel{}
	} else {
		session.GrantedPermissions = pick(outcome.grants, scopes)
	}
	return session, nil
}

// applyDefaults persists the default policy for the undecided scopes. It
// runs only when no prompt can reach a human.
func (c *Consent) applyDefaults(ctx context.Context, req model.AppSessionRequest, session model.AppSession, scopes, undecided []string) (model.AppSession, error) {
	defaults := make(map[string]model.GrantLevel, len(undecided))
	for _, scope := range undecided {
		defaults[scope] = model.DefaultGrant(scope)
	}
	merged, err := c.recordDecision(ctx, req.ActiveDID, req.Origin, req.Manifest.AppID, defaults, false)
	if err != nil {
		return model.AppSession{}, err
	}
	c.logger.Info("Consent service: default policy applied", "app_id", req.Manifest.AppID, "origin", req.Origin, "scopes", len(undecided))
	c.notify(ctx)
	session.GrantedPermissions = pick(merged.Scopes, scopes)
	return session, nil
}

func (c *Consent) awaitDecision(ctx context.Context, req model.AppSessionRequest, scopes []string) (consentOutcome, error) {
	request := model.ConsentRequest{
		ID:              uuid.NewString(),
		AppID:           req.Manifest.AppID,
		AppName:         req.Manifest.Name,
		Origin:          req.Origin,
		RequestedScopes: scopes,
		ActiveDID:       req.ActiveDID,
		CreatedAt:       c.clock.Now().UTC(),
	}
	joinKey := grantKey(req.ActiveDID, req.Origin, req.Manifest.AppID) + "|" + strings.Join(scopes, ",")

	p, created := c.pending.register(request, joinKey)
	if created {
		c.logger.Info("Consent service: consent requested",
			"request_id", request.ID,
			"app_id", request.AppID,
			"origin", request.Origin,
			"did", request.ActiveDID)

		if err := c.surface.Present(ctx, request); err != nil {
			c.pending.abandon(request.ID, err)
			c.logger.Warn("Consent service: consent surface unavailable", "request_id", request.ID, "error", err.Error())
			if errors.Is(err, model.ErrNoConsentSurface) {
				return consentOutcome{}, errSurfaceAbsent
			}
			return consentOutcome{}, fmt.Errorf("%w: %w", model.ErrNoConsentSurface, err)
		}
	} else {
		c.logger.Debug("Consent service: joined pending request", "request_id", p.req.ID)
	}

	select {
	case <-p.done:
		return p.outcome, p.outcome.err
	case <-ctx.Done():
		return consentOutcome{}, ctx.Err()
	}
}

// SubmitConsentDecision resolves the pending request id. An unknown id is a
// successful no-op. On allow, grants holds the level of each requested
// scope; scopes left out get the default policy.
func (c *Consent) SubmitConsentDecision(ctx context.Context, id string, decision model.Decision, grants map[string]model.GrantLevel) error {
	if decision != model.DecisionAllow && decision != model.DecisionDeny {
		return fmt.Errorf("%w: unknown decision %q", model.ErrInvalidArgument, decision)
	}
	for scope, level := range grants {
		if !level.Valid() {
			return fmt.Errorf("%w: invalid grant level %q for %s", model.ErrInvalidArgument, level, scope)
		}
	}

	p := c.pending.claim(id)
	if p == nil {
		c.logger.Debug("Consent service: decision for unknown request ignored", "request_id", id)
		return nil
	}
	req := p.req

	var final map[string]model.GrantLevel
	denied := decision == model.DecisionDeny
	if !denied {
		final = make(map[string]model.GrantLevel, len(req.RequestedScopes))
		for _, scope := range req.RequestedScopes {
			if level, ok := grants[scope]; ok {
				final[scope] = level
			} else {
				final[scope] = model.DefaultGrant(scope)
			}
		}
	}

	merged, err := c.recordDecision(ctx, req.ActiveDID, req.Origin, req.AppID, final, denied)
	if err != nil {
		p.finish(consentOutcome{err: err})
		c.logger.Error("Consent service: failed to persist decision", "request_id", id, "error", err.Error())
		c.notify(ctx)
		return err
	}

	p.finish(consentOutcome{grants: merged.Scopes, denied: denied})
	c.logger.Info("Consent service: decision recorded",
		"request_id", id,
		"app_id", req.AppID,
		"origin", req.Origin,
		"decision", string(decision))
	c.notify(ctx)
	return nil
}

// Abandon resolves a pending request with ErrConsentAbandoned. It reports
// false when the request no longer exists.
func (c *Consent) Abandon(id string) bool {
	return c.pending.abandon(id, model.ErrConsentAbandoned)
}

// Pending lists the unanswered consent requests, oldest first.
func (c *Consent) Pending() []model.ConsentRequest {
	return c.pending.list()
}

// PendingRequest returns the unanswered request id.
func (c *Consent) PendingRequest(id string) (model.ConsentRequest, bool) {
	return c.pending.get(id)
}

// ListGrants returns the recorded decisions of did.
func (c *Consent) ListGrants(ctx context.Context, did string) ([]model.AppGrant, error) {
	grants, err := c.loadGrants(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.AppGrant
	for _, g := range grants {
		if g.DID == did {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].AppID < out[j].AppID
	})
	return out, nil
}

// RevokeApp forgets the decision of (did, origin, appID), so the next
// session initialization asks again.
func (c *Consent) RevokeApp(ctx context.Context, did, origin, appID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.loadGrants(ctx)
	if err != nil {
		return err
	}
	key := grantKey(did, origin, appID)
	if _, ok := grants[key]; !ok {
		return nil
	}
	delete(grants, key)
	if err := c.saveGrants(ctx, grants); err != nil {
		return err
	}
	c.logger.Info("Consent service: app revoked", "did", did, "origin", origin, "app_id", appID)
	return nil
}

// ForgetIdentity drops every decision recorded for did.
func (c *Consent) ForgetIdentity(ctx context.Context, did string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.loadGrants(ctx)
	if err != nil {
		return err
	}
	removed := 0
	for key, g := range grants {
		if g.DID == did {
			delete(grants, key)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return c.saveGrants(ctx, grants)
}

// recordDecision merges levels into the grant of (did, origin, appID). A
// denial replaces the grant with an explicit empty one.
func (c *Consent) recordDecision(ctx context.Context, did, origin, appID string, levels map[string]model.GrantLevel, denied bool) (model.AppGrant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.loadGrants(ctx)
	if err != nil {
		return model.AppGrant{}, err
	}

	key := grantKey(did, origin, appID)
	g := model.AppGrant{DID: did, Origin: origin, AppID: appID, Scopes: map[string]model.GrantLevel{}}
	if prev, ok := grants[key]; ok && !prev.Denied && !denied {
		for scope, level := range prev.Scopes {
			g.Scopes[scope] = level
		}
	}
	g.Denied = denied
	if !denied {
		for scope, level := range levels {
			g.Scopes[scope] = level
		}
	}
	g.DecidedAt = c.clock.Now().UTC()

	grants[key] = g
	if err := c.saveGrants(ctx, grants); err != nil {
		return model.AppGrant{}, err
	}
	return g, nil
}

func (c *Consent) loadGrants(ctx context.Context) (grantTable, error) {
	raw, err := c.durable.Get(ctx, model.KeyGrants)
	if errors.Is(err, model.ErrNotFound) {
		return grantTable{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read grants: %w", model.ErrPersistence, err)
	}
	grants := grantTable{}
	if err := cbor.Unmarshal(raw, &grants); err != nil {
		return nil, fmt.Errorf("%w: failed to decode grants: %w", model.ErrPersistence, err)
	}
	return grants, nil
}

func (c *Consent) saveGrants(ctx context.Context, grants grantTable) error {
	raw, err := vaultEncMode.Marshal(grants)
	if err != nil {
		return fmt.Errorf("failed to encode grants: %w", err)
	}
	if err := c.durable.Set(ctx, model.KeyGrants, raw); err != nil {
		return fmt.Errorf("%w: failed to write grants: %w", model.ErrPersistence, err)
	}
	return nil
}

func validateSessionRequest(req model.AppSessionRequest) ([]string, error) {
	switch {
	case req.Manifest.AppID == "":
		return nil, fmt.Errorf("%w: manifest has no appId", model.ErrInvalidArgument)
	case req.Origin == "":
		return nil, fmt.Errorf("%w: missing origin", model.ErrInvalidArgument)
	case req.ActiveDID == "":
		return nil, fmt.Errorf("%w: no active identity", model.ErrInvalidArgument)
	}

	scopes := make([]string, 0, len(req.Manifest.Permissions))
	for _, p := range req.Manifest.Permissions {
		p = strings.TrimSpace(p)
		if p != "" {
			scopes = append(scopes, p)
		}
	}
	slices.Sort(scopes)
	return slices.Compact(scopes), nil
}

func pick(levels map[string]model.GrantLevel, scopes []string) map[string]model.GrantLevel {
	out := make(map[string]model.GrantLevel, len(scopes))
	for _, scope := range scopes {
		if level, ok := levels[scope]; ok {
			out[scope] = level
		}
	}
	return out
}
