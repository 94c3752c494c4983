package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on loopback for a local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSClient struct {
	id   domain.ClientID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) ID() string {
	return c.id.String()
}

func (c *WSClient) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

type commandDTO struct {
	Type            string          `json:"type"`
	Channel         domain.Channel  `json:"channel,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	CallID          string          `json:"callId,omitempty"`
	CallType        domain.CallType `json:"callType,omitempty"`
	DurationSeconds *int            `json:"durationSeconds,omitempty"`
}

type replyDTO struct {
	Type  string    `json:"type"`
	State *stateDTO `json:"state,omitempty"`
	Error *errorDTO `json:"error,omitempty"`
}

// ServeWS streams events to the UI and accepts the same commands as the REST routes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &WSClient{
		id:   domain.NewClientID(),
		conn: conn,
	}

	l := log.With().Str("client_id", client.ID()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	if err := client.Send(replyDTO{Type: "state", State: ptr(h.state())}); err != nil {
		l.Debug().Err(err).Msg("Initial state not sent")
	}

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		conn.Close()
	}()

	for {
		var cmd commandDTO
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		reply := h.command(r.Context(), cmd)
		if err := client.Send(reply); err != nil {
			l.Debug().Err(err).Msg("Reply not sent")
			break
		}
	}
}

func (h *Handler) command(ctx context.Context, cmd commandDTO) replyDTO {
	var err error
	switch cmd.Type {
	case "initiate":
		_, err = h.CallService.Initiate(ctx, cmd.Channel, cmd.ConversationID, cmd.CallType)
	case "join":
		err = h.CallService.JoinConversation(ctx, domain.ParseChannel(string(cmd.Channel)), cmd.ConversationID)
	case "leave":
		err = h.CallService.LeaveConversation(ctx, domain.ParseChannel(string(cmd.Channel)), cmd.ConversationID)
	case "state":
	default:
		err = h.do(ctx, cmd.Type, actionRequest{
			CallID:          cmd.CallID,
			ConversationID:  cmd.ConversationID,
			DurationSeconds: cmd.DurationSeconds,
		})
	}
	if err != nil {
		_, body := classify(err, h.Messages)
		return replyDTO{Type: "error", Error: &errorDTO{Kind: body.Error, Message: body.Message}}
	}
	return replyDTO{Type: "state", State: ptr(h.state())}
}

func ptr[T any](v T) *T {
	return &v
}
