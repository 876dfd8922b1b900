package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrygw/gantry/internal/util"
)

var echoUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEchoUpstream upgrades and echoes every message back.
func wsEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// wsGateway serves the forwarder over a real listener so the client leg
// can hijack the connection.
func wsGateway(t *testing.T, target string) *httptest.Server {
	t.Helper()
	endpoint := newEndpoint(t, target)
	forwarder := NewForwarder()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = forwarder.Forward(w, r, "ws", endpoint, 0)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsDial(t *testing.T, httpURL, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestWebSocketEchoThroughRelay(t *testing.T) {
	t.Parallel()

	upstream := wsEchoUpstream(t)
	gateway := wsGateway(t, upstream.URL)

	conn, resp, err := wsDial(t, gateway.URL, "/ws")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, msg := range []string{"ping", "pong", "done"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		msgType, echoed, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, msgType)
		assert.Equal(t, msg, string(echoed))
	}
}

func TestWebSocketBackendCloseReachesClient(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("bye"))
		conn.Close()
	}))
	t.Cleanup(upstream.Close)
	gateway := wsGateway(t, upstream.URL)

	conn, _, err := wsDial(t, gateway.URL, "/ws")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(msg))

	// The backend is gone; the relay ends the client leg too.
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketHandshakeRefusalPassesThrough(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "subscribers only", http.StatusForbidden)
	}))
	t.Cleanup(upstream.Close)
	gateway := wsGateway(t, upstream.URL)

	conn, resp, err := wsDial(t, gateway.URL, "/ws")
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "x3JJHMbDL1EzLkh9GBhXDw==")

	rec := httptest.NewRecorder()
	err := NewForwarder().Forward(rec, req, "ws", newEndpoint(t, "http://127.0.0.1:1"), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrUpstreamUnavail)
	assert.Zero(t, rec.Body.Len())
}

func TestWebSocketForwardsClientHeaders(t *testing.T) {
	t.Parallel()

	var forwardedFor, customHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedFor = r.Header.Get("X-Forwarded-For")
		customHeader = r.Header.Get("X-Tenant")
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(upstream.Close)
	gateway := wsGateway(t, upstream.URL)

	header := http.Header{}
	header.Set("X-Tenant", "acme")
	url := "ws" + strings.TrimPrefix(gateway.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()

	assert.NotEmpty(t, forwardedFor)
	assert.Equal(t, "acme", customHeader)
}
