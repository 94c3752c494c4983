package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	gwmemory "github.com/Wyydra/yacall/internal/adapter/driven/gateway/memory"
	mediamemory "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func record(ch <-chan domain.Event) *recorder {
	r := &recorder{}
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
	}()
	return r
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) statuses() []domain.Status {
	var out []domain.Status
	for _, ev := range r.all() {
		if ev.Kind == domain.EventStatusChange {
			out = append(out, ev.Call.Status)
		}
	}
	return out
}

func (r *recorder) ofKind(k domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type harness struct {
	t      *testing.T
	bus    *gwmemory.Bus
	admin  *gwmemory.Transport
	shop   *gwmemory.Transport
	media  *mediamemory.Acquirer
	negs   *mediamemory.NegotiatorFactory
	clock  *clock
	svc    *service.CallService
	events *recorder
}

func newHarness(t *testing.T, opts ...service.Option) *harness {
	t.Helper()
	bus := gwmemory.NewBus()
	h := &harness{
		t:     t,
		bus:   bus,
		admin: bus.NewTransport("admin"),
		shop:  bus.NewTransport("shop"),
		media: mediamemory.NewAcquirer(),
		negs:  mediamemory.NewNegotiatorFactory(),
		clock: newClock(),
	}
	selector := service.NewTransportSelector(map[domain.Channel]port.Transport{
		domain.ChannelAdmin: h.admin,
		domain.ChannelShop:  h.shop,
	})
	opts = append([]service.Option{
		service.WithClock(h.clock.Now),
		service.WithSelf(domain.Counterpart{ID: "me", DisplayName: "Me"}),
	}, opts...)
	h.svc = service.NewCallService(selector, h.media, h.negs, opts...)
	ch, _ := h.svc.Subscribe()
	h.events = record(ch)
	t.Cleanup(h.svc.Disconnect)
	return h
}

// deliver injects an inbound envelope on the admin transport.
func (h *harness) deliver(st domain.SignalType, conversationID, callID string, payload any) {
	h.t.Helper()
	env, err := domain.NewEnvelope(st, conversationID, callID, payload)
	require.NoError(h.t, err)
	env.From = "them"
	h.admin.Deliver(env)
}

func (h *harness) waitStatuses(want ...domain.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return equalStatuses(h.events.statuses(), want)
	}, waitFor, tick, "statuses so far: %v", h.events.statuses())
}

func (h *harness) waitSent(st domain.SignalType, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.admin.SentOfType(st)) == n
	}, waitFor, tick, "expected %d %s", n, st)
}

// dialAnswered runs an outgoing call up to the answered state as call-9.
func (h *harness) dialAnswered() {
	h.t.Helper()
	_, err := h.svc.Initiate(context.Background(), domain.ChannelAdmin, "c1", domain.CallTypeVoice)
	require.NoError(h.t, err)
	h.waitSent(domain.SignalInitiate, 1)
	h.deliver(domain.SignalIDAssigned, "c1", "call-9", nil)
	h.deliver(domain.SignalAnswer, "c1", "call-9", domain.AnswerPayload{Accepted: true})
	h.waitStatuses(domain.StatusDialing, domain.StatusAnswered)
}

// ring delivers an incoming call-5 and waits for it to ring.
func (h *harness) ring(callType domain.CallType) {
	h.t.Helper()
	h.deliver(domain.SignalIncoming, "c1", "call-5", domain.IncomingPayload{
		CallType: callType,
		Caller:   domain.Counterpart{ID: "u2", DisplayName: "Shop owner"},
	})
	h.waitStatuses(domain.StatusRingingIncoming)
}

func equalStatuses(got, want []domain.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func decode[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}
