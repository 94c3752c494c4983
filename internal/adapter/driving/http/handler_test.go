package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gwmemory "github.com/Wyydra/yacall/internal/adapter/driven/gateway/memory"
	mediamemory "github.com/Wyydra/yacall/internal/adapter/driven/media/memory"
	bridge "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	admin *gwmemory.Transport
	svc   *service.CallService
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := gwmemory.NewBus()
	f := &fixture{admin: bus.NewTransport("admin")}
	selector := service.NewTransportSelector(map[domain.Channel]port.Transport{
		domain.ChannelAdmin: f.admin,
	})
	f.svc = service.NewCallService(selector, mediamemory.NewAcquirer(), mediamemory.NewNegotiatorFactory())

	hub := bridge.NewHub()
	go hub.Run()
	events, _ := f.svc.Subscribe()
	go hub.Forward(events)

	h := bridge.NewHandler(f.svc, hub, nil)
	f.srv = httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		f.srv.Close()
		f.svc.Disconnect()
		hub.Stop()
	})
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestInitiateAndCancel(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/calls", map[string]string{
		"channel":        "admin",
		"conversationId": "c1",
		"callType":       "voice",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "dialing", body["status"])
	assert.Equal(t, "outgoing", body["direction"])

	require.Eventually(t, func() bool {
		return len(f.admin.SentOfType(domain.SignalInitiate)) == 1
	}, waitFor, tick)

	resp, body = f.get(t, "/call")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, body["call"])
	assert.NotNil(t, body["localStream"])

	resp, body = f.post(t, "/call/cancel", map[string]string{"conversationId": "c1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ended", body["call"].(map[string]any)["status"])
	assert.Empty(t, body["callId"])
	assert.Len(t, f.admin.SentOfType(domain.SignalCancel), 1)
}

func TestCommandErrors(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/calls", map[string]string{"conversationId": "c1", "callType": "fax"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidArgument", body["error"])

	resp, body = f.post(t, "/call/answer", map[string]string{"callId": "call-1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NoActiveCall", body["error"])

	resp, _ = f.post(t, "/call/hold", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.admin.SetConnected(false)
	resp, body = f.post(t, "/calls", map[string]string{"conversationId": "c1", "callType": "video"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(domain.KindSignalingUnavailable), body["error"])
	assert.Equal(t, domain.DefaultMessages.Lookup(domain.KindSignalingUnavailable), body["message"])
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL+"/calls", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinAndLeaveConversation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/conversations/c7/join?channel=admin", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, f.admin.InRoom("c7"))

	resp, _ = f.post(t, "/conversations/c7/leave", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.admin.InRoom("c7"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"admin": true}, body["transports"])

	f.admin.SetConnected(false)
	resp, _ = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns the first frame for which match is true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		if match(frame) {
			return frame
		}
	}
}

func ofType(typ string) func(map[string]any) bool {
	return func(frame map[string]any) bool { return frame["type"] == typ }
}

func TestWebsocketStreamsEvents(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	state := readUntil(t, conn, ofType("state"))
	assert.Nil(t, state["state"].(map[string]any)["call"])

	require.NoError(t, f.svc.JoinConversation(t.Context(), domain.ChannelAdmin, "c1"))
	env, err := domain.NewEnvelope(domain.SignalIncoming, "c1", "call-5", domain.IncomingPayload{
		CallType: domain.CallTypeVideo,
		Caller:   domain.Counterpart{ID: "u2", DisplayName: "Shop owner"},
	})
	require.NoError(t, err)
	f.admin.Deliver(env)

	incoming := readUntil(t, conn, ofType("incoming_call"))
	require.NotNil(t, incoming["incoming"])
	assert.Equal(t, "call-5", incoming["incoming"].(map[string]any)["callId"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "reject", "callId": "call-5"}))
	status := readUntil(t, conn, func(frame map[string]any) bool {
		if frame["type"] != "status_change" {
			return false
		}
		return frame["call"].(map[string]any)["status"] == "rejected"
	})
	assert.Equal(t, "incoming", status["call"].(map[string]any)["direction"])

	require.Eventually(t, func() bool {
		return len(f.admin.SentOfType(domain.SignalReject)) == 1
	}, waitFor, tick)
}

func TestWebsocketCommandError(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)
	readUntil(t, conn, ofType("state"))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "end", "callId": "nope"}))
	reply := readUntil(t, conn, ofType("error"))
	assert.Equal(t, "NoActiveCall", reply["error"].(map[string]any)["kind"])
}
