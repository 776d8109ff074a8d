// Package hub fans session engine events out to subscribers outside the
// session lock, applying per-event visibility filtering and bounded,
// drop-the-subscription backpressure.
package hub

import (
	"sync"

	"github.com/opengame/gamemaster/internal/engine"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 64

// subscriber holds one consumer's delivery channel plus the identity used
// to evaluate per-event visibility.
type subscriber struct {
	id         string
	playerID   string
	isImposter func() bool
	ch         chan *engine.Event
}

// Hub owns the per-session subscriber set and a single fan-out goroutine
// per publish call. Publishing never blocks on a slow subscriber: a full
// buffer causes that subscription to be dropped rather than the event.
type Hub struct {
	mu          sync.Mutex
	sessions    map[string]map[string]*subscriber
	bufferSize  int
	onDropped   func(sessionID, subscriberID string)
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithBufferSize overrides the default per-subscriber buffer capacity.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithDropCallback registers a callback invoked whenever a subscriber is
// dropped for a full buffer, primarily so the RPC layer can log/metric it.
func WithDropCallback(fn func(sessionID, subscriberID string)) Option {
	return func(h *Hub) {
		if fn != nil {
			h.onDropped = fn
		}
	}
}

// New constructs a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		sessions:   make(map[string]map[string]*subscriber),
		bufferSize: DefaultBufferSize,
		onDropped:  func(string, string) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscription is a live subscriber's handle to its event channel.
type Subscription struct {
	sessionID      string
	subscriberID   string
	hub            *Hub
	events         <-chan *engine.Event
	once           sync.Once
}

// Events exposes the delivery channel. It is closed when the subscription
// is explicitly closed or dropped for a full buffer.
func (s *Subscription) Events() <-chan *engine.Event {
	if s == nil {
		return nil
	}
	return s.events
}

// Close detaches the subscription from its session.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.remove(s.sessionID, s.subscriberID)
	})
}

// Subscribe attaches subscriberID to sessionID's fan-out. isImposter is
// consulted lazily at delivery time (not at subscribe time) since a
// player's role can only be known once the session has started.
func (h *Hub) Subscribe(sessionID, subscriberID, playerID string, isImposter func() bool) *Subscription {
	if isImposter == nil {
		isImposter = func() bool { return false }
	}
	ch := make(chan *engine.Event, h.bufferSize)
	sub := &subscriber{id: subscriberID, playerID: playerID, isImposter: isImposter, ch: ch}

	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[string]*subscriber)
		h.sessions[sessionID] = set
	}
	set[subscriberID] = sub
	h.mu.Unlock()

	return &Subscription{sessionID: sessionID, subscriberID: subscriberID, hub: h, events: ch}
}

func (h *Hub) remove(sessionID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if sub, ok := set[subscriberID]; ok {
		close(sub.ch)
		delete(set, subscriberID)
	}
	if len(set) == 0 {
		delete(h.sessions, sessionID)
	}
}

// Sink returns an engine.EventSink bound to sessionID, suitable for wiring
// directly into engine.WithEventSink. Fan-out runs in its own goroutine per
// publish call, outside whatever lock the engine held while producing the
// events, so a stalled subscriber can never stall gameplay.
func (h *Hub) Sink(sessionID string) engine.EventSink {
	return func(events []engine.Event) {
		go h.publish(sessionID, events)
	}
}

func (h *Hub) publish(sessionID string, events []engine.Event) {
	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		for _, evt := range events {
			if !visible(evt, sub) {
				continue
			}
			delivered := trySend(sub.ch, evt.Clone())
			if !delivered {
				//1.- A full buffer means this subscriber is falling behind; drop the
				// subscription rather than the event so other subscribers and the
				// publisher are never penalized for one slow consumer. Once removed,
				// sub.ch is closed, so stop sending to it for the rest of this batch.
				h.remove(sessionID, sub.id)
				h.onDropped(sessionID, sub.id)
				break
			}
		}
	}
}

func trySend(ch chan *engine.Event, evt *engine.Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}

func visible(evt engine.Event, sub *subscriber) bool {
	switch evt.Visibility {
	case engine.VisibilityPublic:
		return true
	case engine.VisibilityImpostersOnly:
		return sub.isImposter()
	case engine.VisibilitySpecific:
		for _, r := range evt.Recipients {
			if r == sub.playerID {
				return true
			}
		}
		return false
	default:
		return false
	}
}
