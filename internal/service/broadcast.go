package service

import (
	"context"
	"sync"

	"github.com/dtroode/didkeeper/internal/clock"
	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

// StateSource builds the current state for a broadcast.
type StateSource func(ctx context.Context) model.StateEvent

// Hub fans the latest state out to subscribers. Each subscriber holds at
// most one undelivered event; a newer event replaces an older one.
type Hub struct {
	// publishMu orders state builds with their sequence numbers.
	publishMu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	source StateSource
	clock  clock.Clock
	logger *logger.Logger
}

var _ model.ConsentSurface = (*Hub)(nil)

func NewHub(clk clock.Clock, logger *logger.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		source: func(context.Context) model.StateEvent { return model.StateEvent{} },
		clock:  clk,
		logger: logger,
	}
}

// SetSource installs the state builder. It must be called before the hub
// is shared and must not call back into Publish or Subscribe.
func (h *Hub) SetSource(source StateSource) {
	h.source = source
}

// Subscription receives state events until closed.
type Subscription struct {
	id             uint64
	consentCapable bool
	ch             chan model.StateEvent
	hub            *Hub
	once           sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan model.StateEvent { return s.ch }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe attaches a subscriber and queues the current state for it.
// consentCapable subscribers can present consent requests to a human.
func (h *Hub) Subscribe(ctx context.Context, consentCapable bool) *Subscription {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	ev := h.source(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:             h.nextID,
		consentCapable: consentCapable,
		ch:             make(chan model.StateEvent, 1),
		hub:            h,
	}
	h.subs[sub.id] = sub

	h.seq++
	ev.Seq = h.seq
	ev.At = h.clock.Now().UTC()
	sub.ch <- ev

	h.logger.Debug("Broadcast service: subscriber attached", "subscriber", sub.id, "consent_capable", consentCapable)
	return sub
}

// Publish sends the current state to every subscriber.
func (h *Hub) Publish(ctx context.Context) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	ev := h.source(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	ev.At = h.clock.Now().UTC()
	for _, sub := range h.subs {
		deliverLatest(sub.ch, ev)
	}
}

// Present publishes a state containing the request. It fails with
// ErrNoConsentSurface when no subscriber can show it.
func (h *Hub) Present(ctx context.Context, req model.ConsentRequest) error {
	if !h.hasConsentSurface() {
		return model.ErrNoConsentSurface
	}
	h.logger.Debug("Broadcast service: presenting consent request", "request_id", req.ID)
	h.Publish(ctx)
	return nil
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) hasConsentSurface() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.consentCapable {
			return true
		}
	}
	return false
}

func deliverLatest(ch chan model.StateEvent, ev model.StateEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
