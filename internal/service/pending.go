package service

import (
	"sort"
	"sync"
	"time"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/model"
)

// consentOutcome is what a parked initializer receives.
type consentOutcome struct {
	grants map[string]model.GrantLevel
	denied bool
	err    error
}

// pendingConsent is a single-resolution completion handle.
type pendingConsent struct {
	req     model.ConsentRequest
	joinKey string
	timer   clock.Timer

	once    sync.Once
	done    chan struct{}
	outcome consentOutcome
}

func (p *pendingConsent) finish(o consentOutcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		resolved = true
	})
	return resolved
}

// pendingTable correlates consent request ids with parked callers. Entries
// leave the table exactly once: by claim, or by abandonment when their TTL
// fires.
type pendingTable struct {
	mu     sync.Mutex
	byID   map[string]*pendingConsent
	byJoin map[string]*pendingConsent
	clock  clock.Clock
	ttl    time.Duration

	onAbandon func(req model.ConsentRequest)
}

func newPendingTable(clk clock.Clock, ttl time.Duration) *pendingTable {
	return &pendingTable{
		byID:   make(map[string]*pendingConsent),
		byJoin: make(map[string]*pendingConsent),
		clock:  clk,
		ttl:    ttl,
	}
}

// register parks req, or returns the entry an identical request already
// parked. The bool reports whether a new entry was created.
func (t *pendingTable) register(req model.ConsentRequest, joinKey string) (*pendingConsent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byJoin[joinKey]; ok {
		return existing, false
	}

	p := &pendingConsent{req: req, joinKey: joinKey, done: make(chan struct{})}
	t.byID[req.ID] = p
	t.byJoin[joinKey] = p
	if t.ttl > 0 {
		id := req.ID
		p.timer = t.clock.AfterFunc(t.ttl, func() { t.abandon(id, model.ErrConsentAbandoned) })
	}
	return p, true
}

// claim removes the entry of id and hands it to the caller, or returns nil
// if it is gone.
func (t *pendingTable) claim(id string) *pendingConsent {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	if t.byJoin[p.joinKey] == p {
		delete(t.byJoin, p.joinKey)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// abandon resolves the entry of id with err. Missing ids are ignored.
func (t *pendingTable) abandon(id string, err error) bool {
	p := t.claim(id)
	if p == nil {
		return false
	}
	p.finish(consentOutcome{err: err})
	if t.onAbandon != nil {
		t.onAbandon(p.req)
	}
	return true
}

func (t *pendingTable) get(id string) (model.ConsentRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return model.ConsentRequest{}, false
	}
	return p.req, true
}

func (t *pendingTable) list() []model.ConsentRequest {
	t.mu.Lock()
	out := make([]model.ConsentRequest, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p.req)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
