// Package memory is an in-process signaling transport. Transports created on
// the same Bus reach each other through conversation rooms, like clients of a
// relay would.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

var _ port.Transport = (*Transport)(nil)

type Bus struct {
	mu         sync.Mutex
	transports []*Transport
}

func NewBus() *Bus {
	return &Bus{}
}

// NewTransport returns a connected transport attached to the bus.
func (b *Bus) NewTransport(name string) *Transport {
	t := &Transport{
		name:      name,
		bus:       b,
		connected: true,
		rooms:     make(map[string]struct{}),
		subs:      make(map[chan port.Delivery]struct{}),
	}
	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()
	return t
}

func (b *Bus) route(from *Transport, env domain.Envelope) {
	b.mu.Lock()
	peers := make([]*Transport, 0, len(b.transports))
	for _, t := range b.transports {
		if t != from {
			peers = append(peers, t)
		}
	}
	b.mu.Unlock()

	for _, t := range peers {
		if t.Connected() && t.InRoom(env.ConversationID) {
			t.Deliver(env)
		}
	}
}

type Transport struct {
	name string
	bus  *Bus

	mu        sync.Mutex
	connected bool
	kicks     int
	rooms     map[string]struct{}
	subs      map[chan port.Delivery]struct{}
	sent      []domain.Envelope
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// EnsureConnected only records the attempt; tests flip connectivity with SetConnected.
func (t *Transport) EnsureConnected() {
	t.mu.Lock()
	t.kicks++
	t.mu.Unlock()
}

func (t *Transport) Kicks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kicks
}

// SetConnected toggles the link. Going down notifies every subscriber.
func (t *Transport) SetConnected(up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.connected
	t.connected = up
	if was && !up {
		t.broadcastLocked(port.Delivery{Down: true})
	}
}

func (t *Transport) Join(_ context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[conversationID] = struct{}{}
	return nil
}

func (t *Transport) Leave(_ context.Context, conversationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, conversationID)
	return nil
}

func (t *Transport) InRoom(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[conversationID]
	return ok
}

func (t *Transport) Send(_ context.Context, env domain.Envelope) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("%s transport not connected", t.name))
	}
	t.sent = append(t.sent, env)
	t.mu.Unlock()

	t.bus.route(t, env)
	return nil
}

// Sent returns every envelope sent through this transport, oldest first.
func (t *Transport) Sent() []domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *Transport) SentOfType(st domain.SignalType) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range t.Sent() {
		if env.Type == st {
			out = append(out, env)
		}
	}
	return out
}

// Deliver hands env to subscribers as if it had arrived from the network.
func (t *Transport) Deliver(env domain.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcastLocked(port.Delivery{Envelope: env})
}

func (t *Transport) Subscribe() (<-chan port.Delivery, func()) {
	ch := make(chan port.Delivery, subscriberBuffer)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ch)
			close(ch)
			t.mu.Unlock()
		})
	}
}

func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Transport) broadcastLocked(d port.Delivery) {
	for ch := range t.subs {
		select {
		case ch <- d:
		default:
			log.Warn().Str("transport", t.name).Msg("Subscriber channel full, dropping delivery")
		}
	}
}
