// Package ws is the websocket signaling transport: one persistent connection
// to a relay, kept alive and re-established in the background.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	frameJoin  = "room:join"
	frameLeave = "room:leave"

	maxMessageSize = 64 * 1024
)

var errNotConnected = errors.New("not connected")

var _ port.Transport = (*Transport)(nil)

type Config struct {
	Name             string
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = "ws"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
}

type controlFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// Transport implements port.Transport over gorilla/websocket.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	hub    *Hub
	log    zerolog.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]struct{}

	writeMu sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewTransport(cfg Config) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		hub:    NewHub(cfg.Name),
		log:    log.With().Str("transport", cfg.Name).Logger(),
		rooms:  make(map[string]struct{}),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins connecting in the background. It returns immediately.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.hub.Run()
	go t.run(ctx)
}

// Close stops reconnecting, drops the connection and closes all subscriptions.
func (t *Transport) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	<-t.done
	t.hub.Stop()
	return nil
}

func (t *Transport) Name() string {
	return t.cfg.Name
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// EnsureConnected cuts the current backoff wait short.
func (t *Transport) EnsureConnected() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *Transport) Subscribe() (<-chan port.Delivery, func()) {
	return t.hub.Subscribe()
}

// Join records the room and tells the relay when connected. Rooms are
// re-joined after every reconnect.
func (t *Transport) Join(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	_, seen := t.rooms[conversationID]
	t.rooms[conversationID] = struct{}{}
	t.mu.Unlock()
	if seen {
		return nil
	}
	err := t.write(controlFrame{Type: frameJoin, ConversationID: conversationID})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func (t *Transport) Leave(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	_, seen := t.rooms[conversationID]
	delete(t.rooms, conversationID)
	t.mu.Unlock()
	if !seen {
		return nil
	}
	err := t.write(controlFrame{Type: frameLeave, ConversationID: conversationID})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func (t *Transport) Send(ctx context.Context, env domain.Envelope) error {
	if err := ctx.Err(); err != nil {
		return domain.NewError(domain.KindSignalingUnavailable, err)
	}
	if err := t.write(env); err != nil {
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("%s: send %s: %w", t.cfg.Name, env.Type, err))
	}
	return nil
}

func (t *Transport) write(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	if err := conn.WriteJSON(v); err != nil {
		conn.Close()
		return err
	}
	return nil
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	backoff := t.cfg.MinBackoff
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Signaling connect failed")
			if !t.wait(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, t.cfg.MaxBackoff)
			continue
		}
		backoff = t.cfg.MinBackoff

		t.serve(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.hub.Broadcast(port.Delivery{Down: true})

		if ctx.Err() != nil {
			return
		}
		t.log.Warn().Msg("Signaling connection lost")
	}
}

// wait returns false when ctx ends; a kick ends the wait early.
func (t *Transport) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

// serve owns conn until it breaks. Rooms are replayed under mu before the
// transport reports itself connected, so no join is lost and no send overtakes one.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	t.mu.Lock()
	for id := range t.rooms {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
		if err := conn.WriteJSON(controlFrame{Type: frameJoin, ConversationID: id}); err != nil {
			t.mu.Unlock()
			t.log.Warn().Err(err).Str("conversation_id", id).Msg("Room replay failed")
			return
		}
	}
	rooms := len(t.rooms)
	t.conn = conn
	t.mu.Unlock()
	t.log.Info().Int("rooms", rooms).Msg("Signaling connected")

	stop := make(chan struct{})
	defer close(stop)
	go t.ping(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				t.log.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		if !strings.HasPrefix(string(env.Type), "call:") {
			continue
		}
		t.hub.Broadcast(port.Delivery{Envelope: env})
	}
}

func (t *Transport) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}
