package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/config"
	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/router"
)

func newTestServer(t *testing.T) (*Server, *testHub) {
	t.Helper()
	h := newTestHub(t)
	cfg := &config.Config{
		Port:        "0",
		Environment: "test",
		NodeID:      "node-test",
	}
	return NewServer(cfg, h.presence, h.manager), h
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func getJSON(t *testing.T, s *Server, path string) (int, apiResponse) {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["node"])
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentnotify_active_channels")
}

func TestServer_HubRequiresUpgrade(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest("GET", "/hub/s1", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 426, resp.StatusCode)
}

func TestServer_ListSessions(t *testing.T) {
	s, h := newTestServer(t)
	h.registry.Register("s1", channel.New("s1", channel.Options{}))

	status, body := getJSON(t, s, "/api/sessions")
	assert.Equal(t, 200, status)
	assert.True(t, body.Success)

	var data struct {
		Node     string            `json:"node"`
		Total    int               `json:"total"`
		Sessions map[string]string `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "node-test", data.Node)
	assert.Equal(t, 1, data.Total)
	assert.Equal(t, map[string]string{"s1": "disconnected"}, data.Sessions)
}

func TestServer_SessionStatus(t *testing.T) {
	s, h := newTestServer(t)
	require.NoError(t, h.presence.MarkConnected(context.Background(), "s1", "ch-1"))

	status, body := getJSON(t, s, "/api/sessions/s1/status")
	assert.Equal(t, 200, status)

	var data struct {
		Presence   domain.SessionPresence `json:"presence"`
		LocalState string                 `json:"local_state"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, domain.PresenceConnected, data.Presence.State)
	assert.Equal(t, "ch-1", data.Presence.ChannelID)
	assert.Equal(t, "node-test", data.Presence.Node)
	assert.Empty(t, data.LocalState)

	status, body = getJSON(t, s, "/api/sessions/unknown/status")
	assert.Equal(t, 200, status)
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, domain.PresenceDisconnected, data.Presence.State)

	status, body = getJSON(t, s, "/api/sessions/"+strings.Repeat("x", maxSessionIDLength+1)+"/status")
	assert.Equal(t, 400, status)
	assert.False(t, body.Success)
}

func TestServer_EndToEndDelivery(t *testing.T) {
	s, h := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.app.Listener(ln) }()
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })

	url := "ws://" + ln.Addr().String() + "/hub/e2e"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame domain.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, domain.FrameConnectionEstablished, frame.Type)

	outcome := router.New(h.registry).Route(context.Background(), domain.OutboundMessage{
		SessionID: "e2e",
		AgentType: domain.AgentGraphicDesigner,
		Payload:   "https://img/1.png",
	})
	require.Equal(t, router.Dispatched, outcome)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, domain.FrameAgentMessage, frame.Type)
	var msg domain.AgentMessage
	require.NoError(t, json.Unmarshal(frame.Data, &msg))
	assert.Equal(t, "https://img/1.png", msg.Payload)
	assert.Equal(t, "e2e", msg.SessionID)

	require.NoError(t, conn.WriteMessage(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
