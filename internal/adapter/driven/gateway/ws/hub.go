package ws

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	broadcastBuffer  = 256
	subscriberBuffer = 256
)

// Hub fans deliveries from one connection out to every subscriber.
// All bookkeeping happens on the Run goroutine.
type Hub struct {
	name        string
	subscribers map[chan port.Delivery]bool
	broadcast   chan port.Delivery
	register    chan chan port.Delivery
	unregister  chan chan port.Delivery
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
}

func NewHub(name string) *Hub {
	return &Hub{
		name:        name,
		subscribers: make(map[chan port.Delivery]bool),
		broadcast:   make(chan port.Delivery, broadcastBuffer),
		register:    make(chan chan port.Delivery),
		unregister:  make(chan chan port.Delivery),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for ch := range h.subscribers {
				close(ch)
				delete(h.subscribers, ch)
			}
			return

		case ch := <-h.register:
			h.subscribers[ch] = true
			log.Debug().Str("transport", h.name).Int("subscribers", len(h.subscribers)).Msg("Subscriber registered")

		case ch := <-h.unregister:
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}

		case d := <-h.broadcast:
			for ch := range h.subscribers {
				select {
				case ch <- d:
				default:
					log.Warn().Str("transport", h.name).Msg("Subscriber channel full, dropping delivery")
				}
			}
		}
	}
}

// Broadcast never blocks the caller; it drops when the hub is saturated or stopped.
func (h *Hub) Broadcast(d port.Delivery) {
	select {
	case h.broadcast <- d:
	case <-h.quit:
	default:
		log.Warn().Str("transport", h.name).Msg("Broadcast channel full, dropping delivery")
	}
}

// Subscribe registers a new channel. After Stop it returns a closed channel.
func (h *Hub) Subscribe() (<-chan port.Delivery, func()) {
	ch := make(chan port.Delivery, subscriberBuffer)
	select {
	case h.register <- ch:
	case <-h.quit:
		close(ch)
		return ch, func() {}
	}
	return ch, func() {
		select {
		case h.unregister <- ch:
		case <-h.done:
		}
	}
}

// Stop closes every subscriber channel. Run must have been started.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
