package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// relay is a minimal signaling server that records every frame it receives.
type relay struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu     sync.Mutex
	auth   []string
	frames []map[string]any
	conns  []*websocket.Conn
}

func newRelay(t *testing.T) (*relay, *httptest.Server) {
	r := &relay{t: t}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *relay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.auth = append(r.auth, req.Header.Get("Authorization"))
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, frame)
		r.mu.Unlock()
	}
}

func (r *relay) framesOfType(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, f := range r.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (r *relay) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *relay) push(v any) {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	require.NoError(r.t, conn.WriteJSON(v))
}

func (r *relay) dropLatest() {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	conn.Close()
}

func startTransport(t *testing.T, srv *httptest.Server) *ws.Transport {
	tr := ws.NewTransport(ws.Config{
		Name:       "admin",
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:      "secret",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	require.Eventually(t, tr.Connected, waitFor, tick)
	return tr
}

func next(t *testing.T, ch <-chan port.Delivery) port.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return d
	case <-time.After(waitFor):
		t.Fatal("no delivery")
		return port.Delivery{}
	}
}

func TestTransportSendsAndReceives(t *testing.T) {
	r, srv := newRelay(t)
	tr := startTransport(t, srv)
	ch, cancel := tr.Subscribe()
	defer cancel()

	require.NoError(t, tr.Join(context.Background(), "c1"))
	require.Eventually(t, func() bool { return len(r.framesOfType("room:join")) == 1 }, waitFor, tick)
	assert.Equal(t, "c1", r.framesOfType("room:join")[0]["conversationId"])

	env, err := domain.NewEnvelope(domain.SignalInitiate, "c1", "", domain.InitiatePayload{CallType: domain.CallTypeVoice})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), env))
	require.Eventually(t, func() bool { return len(r.framesOfType("call:initiate")) == 1 }, waitFor, tick)

	r.push(map[string]any{"type": "room:joined", "conversationId": "c1"})
	r.push(map[string]any{"type": "call:id-assigned", "conversationId": "c1", "callId": "call-9"})

	d := next(t, ch)
	assert.False(t, d.Down)
	assert.Equal(t, domain.SignalIDAssigned, d.Envelope.Type)
	assert.Equal(t, "call-9", d.Envelope.CallID)

	r.mu.Lock()
	assert.Equal(t, "Bearer secret", r.auth[0])
	r.mu.Unlock()
}

func TestTransportReconnectsAndReplaysRooms(t *testing.T) {
	r, srv := newRelay(t)
	tr := startTransport(t, srv)
	ch, cancel := tr.Subscribe()
	defer cancel()

	require.NoError(t, tr.Join(context.Background(), "c1"))
	require.NoError(t, tr.Join(context.Background(), "c2"))
	require.NoError(t, tr.Leave(context.Background(), "c2"))
	require.Eventually(t, func() bool { return len(r.framesOfType("room:leave")) == 1 }, waitFor, tick)

	r.dropLatest()
	assert.True(t, next(t, ch).Down)

	require.Eventually(t, func() bool { return r.connections() == 2 && tr.Connected() }, waitFor, tick)
	require.Eventually(t, func() bool { return len(r.framesOfType("room:join")) == 3 }, waitFor, tick)

	joins := r.framesOfType("room:join")
	assert.Equal(t, "c1", joins[2]["conversationId"])
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := ws.NewTransport(ws.Config{URL: "ws://127.0.0.1:1/never", MinBackoff: time.Hour})
	env, err := domain.NewEnvelope(domain.SignalCancel, "c1", "", nil)
	require.NoError(t, err)

	err = tr.Send(context.Background(), env)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignalingUnavailable)
	assert.False(t, tr.Connected())

	// rooms are remembered for the first connect
	require.NoError(t, tr.Join(context.Background(), "c1"))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	_, srv := newRelay(t)
	tr := startTransport(t, srv)
	ch, _ := tr.Subscribe()

	require.NoError(t, tr.Close())
	for d := range ch {
		assert.True(t, d.Down)
	}
	assert.False(t, tr.Connected())
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	r, srv := newRelay(t)
	tr := startTransport(t, srv)
	ch, cancel := tr.Subscribe()
	defer cancel()

	r.mu.Lock()
	conn := r.conns[0]
	r.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	raw, err := json.Marshal(map[string]any{"type": "call:end", "conversationId": "c1", "callId": "call-1", "payload": map[string]int{"duration": 3}})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	d := next(t, ch)
	assert.Equal(t, domain.SignalEnd, d.Envelope.Type)
	var p domain.ControlPayload
	require.NoError(t, d.Envelope.Decode(&p))
	assert.Equal(t, 3, *p.Duration)
}
