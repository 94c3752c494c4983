package service

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
)

// session is the resource side of one CallSession. Every field is guarded by
// CallService.mu; only queue runs outside of it.
type session struct {
	call      domain.CallSession
	transport port.Transport
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	local     port.MediaHandle
	released  bool
	remote    domain.Stream
	acquiring bool
	announced bool
	// origin is the call:initiate envelope id when this engine assigned the call id.
	origin string

	negotiator port.Negotiator
	pending    []domain.ICECandidate
	queue      *serialQueue

	unsubscribe func()
	torn        bool
}

func (s *session) snapshot() domain.CallSession {
	c := s.call
	if c.Counterpart != nil {
		cp := *c.Counterpart
		c.Counterpart = &cp
	}
	return c
}

func (s *session) releaseLocal() {
	if s.local == nil || s.released {
		return
	}
	s.released = true
	s.local.Release()
	s.log.Debug().Msg("Local media released")
}

// serialQueue runs negotiator work one item at a time, in submission order,
// without holding the state lock. push never blocks.
type serialQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{wake: make(chan struct{}, 1)}
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *serialQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}
