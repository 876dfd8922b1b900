package proxy

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gantrygw/gantry/internal/backend"
	"github.com/gantrygw/gantry/internal/observability"
	"github.com/gantrygw/gantry/internal/util"
)

// websocketRelay proxies websocket upgrades. It dials the endpoint
// first, so backend refusals reach the client verbatim, then upgrades
// the client side and copies messages both ways until either peer
// closes.
type websocketRelay struct {
	logger    observability.Logger
	transport http.RoundTripper
}

// upgrader upgrades the client leg of the relay.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy belongs to the backend; the Origin header is
		// forwarded with the handshake.
		return true
	},
}

// forward runs one websocket session. The route timeout bounds the
// backend handshake, not the session; established relays run until a
// peer closes.
func (ws *websocketRelay) forward(w http.ResponseWriter, r *http.Request, backendName string, endpoint *backend.Endpoint, timeout time.Duration) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	if t, ok := ws.transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		dialer.TLSClientConfig = t.TLSClientConfig.Clone()
	}

	backendConn, resp, err := dialer.DialContext(r.Context(), wsURL(endpoint.URL(), r), forwardedHeaders(r))
	if err != nil {
		if resp != nil {
			// The backend answered the handshake with an HTTP error;
			// relay it instead of inventing one.
			relayHandshakeRefusal(w, resp)
			if resp.StatusCode >= http.StatusInternalServerError {
				return util.NewServerError(resp.StatusCode)
			}
			return nil
		}
		return &util.UpstreamError{Backend: backendName, Endpoint: endpoint.String(), Cause: err}
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, upgradeResponseHeaders(resp))
	if err != nil {
		// Upgrade already answered the client, and the backend held up
		// its end, so this is not an upstream failure.
		ws.logger.Debug("client websocket upgrade failed",
			observability.Err(err),
		)
		return nil
	}
	defer clientConn.Close()

	ws.relay(clientConn, backendConn)
	return nil
}

// relay copies messages both ways until one direction ends. Closing
// both connections on return unblocks the surviving goroutine.
func (ws *websocketRelay) relay(clientConn, backendConn *websocket.Conn) {
	errCh := make(chan error, 2)
	go copyMessages(clientConn, backendConn, errCh)
	go copyMessages(backendConn, clientConn, errCh)
	<-errCh
}

// copyMessages pumps messages from src to dst, telling dst's peer the
// session is over when src ends.
func copyMessages(dst, src *websocket.Conn, errCh chan<- error) {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			errCh <- err
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			errCh <- err
			return
		}
	}
}

// wsURL maps the endpoint base URL onto the websocket scheme, keeping
// the request path and query.
func wsURL(target *url.URL, r *http.Request) string {
	scheme := "ws"
	if target.Scheme == "https" {
		scheme = "wss"
	}

	u := scheme + "://" + target.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// forwardedHeaders carries the client's headers to the backend dial,
// minus the handshake headers gorilla regenerates.
func forwardedHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}
	header.Set("X-Forwarded-Host", r.Host)

	if requestID := util.RequestIDFromContext(r.Context()); requestID != "" {
		header.Set("X-Request-ID", requestID)
	}

	return header
}

// upgradeResponseHeaders keeps the backend's handshake headers worth
// passing on, dropping the ones gorilla regenerates for the client
// leg. The negotiated subprotocol survives this way.
func upgradeResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}

	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}

// relayHandshakeRefusal forwards the backend's handshake response.
func relayHandshakeRefusal(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
