package http

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

type Client interface {
	ID() string
	Send(msg any) error
	Close() error
}

// Hub pushes call events to every connected UI client.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan any
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Client]bool),
		broadcast:  make(chan any, 64),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Forward relays events until the channel closes.
func (h *Hub) Forward(events <-chan domain.Event) {
	for ev := range events {
		select {
		case h.broadcast <- newEventDTO(ev):
		case <-h.quit:
			return
		}
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Info().Str("client_id", client.ID()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Info().Str("client_id", client.ID()).Msg("Client unregistered")
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if err := client.Send(msg); err != nil {
					log.Error().Err(err).Str("client_id", client.ID()).Msg("Error sending event")
					client.Close()
					delete(h.clients, client)
				}
			}
		}
	}
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}
