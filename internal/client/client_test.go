package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/domain"
)

// stubConn is the server end of one client connection.
type stubConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *stubConn) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *stubConn) push(t *testing.T, msg domain.AgentMessage) {
	t.Helper()
	require.NoError(t, s.write(domain.NewAgentFrame(msg)))
}

// hubStub speaks the hub's frame protocol over httptest.
type hubStub struct {
	upgrader websocket.Upgrader
	conns    chan *stubConn
	paths    chan string
}

func newHubStub(t *testing.T) (*hubStub, *httptest.Server) {
	t.Helper()
	h := &hubStub{
		conns: make(chan *stubConn, 8),
		paths: make(chan string, 8),
	}
	srv := httptest.NewServer(h)
	return h, srv
}

func (h *hubStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sc := &stubConn{conn: conn}
	h.paths <- r.URL.Path
	if err := sc.write(domain.WebSocketResponse{Type: domain.FrameConnectionEstablished, Success: true}); err != nil {
		return
	}
	h.conns <- sc

	for {
		var msg domain.WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case domain.ClientFramePing:
			_ = sc.write(domain.WebSocketResponse{Type: domain.FramePong, Success: true})
		case domain.ClientFrameMessage:
			var cm domain.ClientMessage
			_ = json.Unmarshal(msg.Data, &cm)
			if cm.Text == "fail" {
				_ = sc.write(domain.NewErrorFrame("broker unavailable"))
				continue
			}
			_ = sc.write(domain.WebSocketResponse{
				Type:    domain.FrameMessageAccepted,
				Success: true,
				Data:    map[string]string{"id": "ack-" + cm.ConversationID},
			})
		case domain.ClientFrameFeedback:
			_ = sc.write(domain.WebSocketResponse{Type: domain.FrameFeedbackAccepted, Success: true})
		}
	}
}

func (h *hubStub) next(t *testing.T) *stubConn {
	t.Helper()
	select {
	case sc := <-h.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no connection reached the hub")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastPolicy(attempts int) channel.Policy {
	return channel.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Multiplier:     2,
	}
}

func receive(t *testing.T, c *Client) domain.AgentMessage {
	t.Helper()
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no agent message received")
		return domain.AgentMessage{}
	}
}

func TestNew_RequiresSessionID(t *testing.T) {
	_, err := New("ws://localhost:8082", " ", Options{})
	assert.Error(t, err)
}

func TestClient_ReceivesAgentMessages(t *testing.T) {
	hub, srv := newHubStub(t)
	defer srv.Close()

	c, err := New(wsURL(srv), "s1", Options{Policy: fastPolicy(3)})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	assert.Equal(t, "/hub/s1", <-hub.paths)
	assert.Equal(t, channel.StateConnected, c.State())

	sc := hub.next(t)
	sc.push(t, domain.AgentMessage{MessageID: "m1", SessionID: "s1", AgentType: domain.AgentWriter, Payload: "first"})
	sc.push(t, domain.AgentMessage{MessageID: "m2", SessionID: "s1", AgentType: domain.AgentWriter, Payload: "second"})

	assert.Equal(t, "first", receive(t, c).Payload)
	assert.Equal(t, "second", receive(t, c).Payload)
}

func TestClient_SendMessage(t *testing.T) {
	hub, srv := newHubStub(t)
	defer srv.Close()

	c, err := New(wsURL(srv), "s1", Options{Policy: fastPolicy(3)})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	hub.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := c.SendMessage(ctx, "c1", "u1", "hello")
	assert.False(t, msg.IsError)
	assert.Equal(t, "ack-c1", msg.ID)
	assert.Equal(t, "hello", msg.Text)

	failed := c.SendMessage(ctx, "c1", "u1", "fail")
	assert.True(t, failed.IsError)
	assert.Equal(t, RetryLaterMessage, failed.Text)
	assert.Equal(t, "c1", failed.ConversationID)

	require.NoError(t, c.SendFeedback(ctx, domain.Feedback{ConversationID: "c1", MessageID: "m1", Rating: "up"}))
	require.NoError(t, c.Ping(ctx))
}

func TestClient_SendBeforeConnectIsExplained(t *testing.T) {
	c, err := New("ws://127.0.0.1:1", "s1", Options{})
	require.NoError(t, err)

	msg := c.SendMessage(context.Background(), "c1", "u1", "hello")
	assert.True(t, msg.IsError)
	assert.Equal(t, RetryLaterMessage, msg.Text)

	assert.ErrorIs(t, c.SendFeedback(context.Background(), domain.Feedback{MessageID: "m1"}), channel.ErrNotConnected)
}

func TestClient_ConnectFailureLeavesClientReusable(t *testing.T) {
	c, err := New("ws://127.0.0.1:1", "s1", Options{})
	require.NoError(t, err)

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, channel.StateDisconnected, c.State())
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	hub, srv := newHubStub(t)
	defer srv.Close()

	var mu sync.Mutex
	var states []channel.State
	c, err := New(wsURL(srv), "s2", Options{
		Policy: fastPolicy(5),
		OnStateChange: func(s channel.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	first := hub.next(t)
	require.NoError(t, first.conn.Close())

	second := hub.next(t)
	require.Eventually(t, func() bool { return c.State() == channel.StateConnected }, 2*time.Second, 5*time.Millisecond)

	second.push(t, domain.AgentMessage{MessageID: "m3", SessionID: "s2", AgentType: domain.AgentAuditor, Payload: "after"})
	assert.Equal(t, "after", receive(t, c).Payload)

	want := []channel.State{channel.StateConnected, channel.StateReconnecting, channel.StateConnected}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, states)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_ExhaustedReconnectDisconnects(t *testing.T) {
	hub, srv := newHubStub(t)

	c, err := New(wsURL(srv), "s3", Options{Policy: fastPolicy(2)})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	sc := hub.next(t)
	srv.Close()
	require.NoError(t, sc.conn.Close())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up reconnecting")
	}
	assert.Equal(t, channel.StateDisconnected, c.State())

	msg := c.SendMessage(context.Background(), "c1", "u1", "hello")
	assert.True(t, msg.IsError)
}

func TestClient_CloseStopsReaders(t *testing.T) {
	hub, srv := newHubStub(t)
	defer srv.Close()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c, err := New(wsURL(srv), "s4", Options{Policy: fastPolicy(3)})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	hub.next(t)

	require.NoError(t, c.Close())
	assert.Equal(t, channel.StateDisconnected, c.State())
	require.NoError(t, c.Close())
}
