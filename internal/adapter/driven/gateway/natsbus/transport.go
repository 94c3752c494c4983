// Package natsbus carries signaling envelopes over NATS, one subject per
// conversation room.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const flushTimeout = 5 * time.Second

var _ port.Transport = (*Transport)(nil)

type Config struct {
	Name          string
	URL           string
	Token         string
	Credentials   string
	SubjectPrefix string
	ReconnectWait time.Duration
}

type Transport struct {
	name   string
	prefix string
	conn   *nats.Conn
	hub    *ws.Hub
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Dial connects and keeps reconnecting forever; callers see the gaps as
// Down deliveries and failed sends.
func Dial(cfg Config) (*Transport, error) {
	if cfg.Name == "" {
		cfg.Name = "nats"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "yacall.conv"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	t := &Transport{
		name:   cfg.Name,
		prefix: cfg.SubjectPrefix,
		hub:    ws.NewHub(cfg.Name),
		log:    log.With().Str("transport", cfg.Name).Logger(),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("yacall-" + cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn().Err(err).Msg("NATS disconnected")
			t.hub.Broadcast(port.Delivery{Down: true})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.log.Info().Msg("NATS connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	go t.hub.Run()
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		t.hub.Stop()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.conn = conn
	return t, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Connected() bool {
	return t.conn.IsConnected()
}

// EnsureConnected is a no-op beyond logging: the client library reconnects on its own.
func (t *Transport) EnsureConnected() {
	if t.conn.IsClosed() {
		t.log.Error().Msg("NATS connection is closed and will not reconnect")
	}
}

func (t *Transport) Subscribe() (<-chan port.Delivery, func()) {
	return t.hub.Subscribe()
}

// Join subscribes to the conversation subject. While disconnected the
// subscription is kept and replayed by the client on reconnect.
func (t *Transport) Join(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if _, ok := t.subs[conversationID]; ok {
		t.mu.Unlock()
		return nil
	}
	subject := t.subject(conversationID)
	sub, err := t.conn.Subscribe(subject, t.onMessage)
	if err != nil {
		t.mu.Unlock()
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("subscribe %s: %w", subject, err))
	}
	t.subs[conversationID] = sub
	t.mu.Unlock()

	if err := t.flush(ctx); err != nil {
		t.log.Debug().Err(err).Str("subject", subject).Msg("Subscription not confirmed yet")
	}
	t.log.Debug().Str("subject", subject).Msg("Subscribed to conversation")
	return nil
}

func (t *Transport) Leave(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	sub, ok := t.subs[conversationID]
	delete(t.subs, conversationID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return err
	}
	if err := t.flush(ctx); err != nil {
		t.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("Unsubscribe not confirmed yet")
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, env domain.Envelope) error {
	if !t.conn.IsConnected() {
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("%s not connected", t.name))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject(env.ConversationID), data); err != nil {
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("publish %s: %w", env.Type, err))
	}
	if err := t.flush(ctx); err != nil {
		return domain.NewError(domain.KindSignalingUnavailable, fmt.Errorf("flush %s: %w", env.Type, err))
	}
	return nil
}

// flush waits for the server to process everything sent so far.
func (t *Transport) flush(ctx context.Context) error {
	if !t.conn.IsConnected() {
		return nats.ErrConnectionReconnecting
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return t.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes every subscriber channel.
func (t *Transport) Close() error {
	err := t.conn.Drain()
	t.hub.Stop()
	return err
}

func (t *Transport) onMessage(m *nats.Msg) {
	var env domain.Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		t.log.Warn().Err(err).Str("subject", m.Subject).Msg("Dropping malformed message")
		return
	}
	t.hub.Broadcast(port.Delivery{Envelope: env})
}

func (t *Transport) subject(conversationID string) string {
	return t.prefix + "." + subjectToken(conversationID)
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectToken makes a conversation id safe to use as one subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return tokenReplacer.Replace(id)
}
