package service

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Observer is the typed form of the event contract a presentation layer implements.
type Observer interface {
	OnIncomingCall(domain.IncomingCall)
	OnCallStatusChange(domain.Status)
	OnRemoteStream(domain.Stream)
	OnCallIDReceived(callID string)
	OnError(*domain.CallError)
}

// LocalStreamObserver is optionally implemented by observers that preview local media.
type LocalStreamObserver interface {
	OnLocalStream(domain.Stream)
}

// emitter fans events out to subscribers. emit never blocks: every subscriber
// has its own unbounded queue drained by one goroutine, so delivery order is
// the emit order.
type emitter struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch    chan domain.Event
	mu    sync.Mutex
	queue []domain.Event
	wake  chan struct{}
	stop  chan struct{}
	drain bool
	once  sync.Once
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[*subscriber]struct{})}
}

func (e *emitter) subscribe() (<-chan domain.Event, func()) {
	sub := &subscriber{
		ch:   make(chan domain.Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	go sub.pump()

	return sub.ch, func() {
		e.mu.Lock()
		delete(e.subs, sub)
		e.mu.Unlock()
		sub.once.Do(func() { close(sub.stop) })
	}
}

func (e *emitter) emit(ev domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subs {
		sub.push(ev)
	}
}

// close lets every subscriber drain what is already queued, then closes its channel.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for sub := range e.subs {
		sub.finish()
		delete(e.subs, sub)
	}
}

func (s *subscriber) push(ev domain.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) finish() {
	s.mu.Lock()
	s.drain = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				drain := s.drain
				s.mu.Unlock()
				if drain {
					return
				}
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.ch <- ev:
			case <-s.stop:
				return
			}
		}
	}
}

// dispatch routes one event to the matching Observer method.
func dispatch(o Observer, ev domain.Event) {
	switch ev.Kind {
	case domain.EventIncomingCall:
		if ev.Incoming != nil {
			o.OnIncomingCall(*ev.Incoming)
		}
	case domain.EventStatusChange:
		o.OnCallStatusChange(ev.Call.Status)
	case domain.EventLocalStream:
		if lo, ok := o.(LocalStreamObserver); ok {
			lo.OnLocalStream(ev.Stream)
		}
	case domain.EventRemoteStream:
		o.OnRemoteStream(ev.Stream)
	case domain.EventCallIDReceived:
		o.OnCallIDReceived(ev.Call.CallID)
	case domain.EventError:
		o.OnError(ev.Error)
	}
}
