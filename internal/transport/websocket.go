package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satriabw/calibration-frontend/internal/protocol"
)

const wsWriteDeadline = 5 * time.Second

// WebSocketStrategy dials the preferred low-latency channel: a websocket
// carrying one JSON envelope per text message.
type WebSocketStrategy struct {
	// URL is the service base URL; http(s) schemes are rewritten to ws(s).
	URL string
	// HandshakeTimeout bounds the dial. Zero means the dialer default.
	HandshakeTimeout time.Duration
}

func (s *WebSocketStrategy) Name() string { return "websocket" }

func (s *WebSocketStrategy) Dial(ctx context.Context) (Link, error) {
	endpoint, err := websocketURL(s.URL)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: handshake rejected with %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	return &wsLink{conn: conn}, nil
}

// websocketURL rewrites an http(s) base URL to the ws(s) event endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse service url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported service url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

type wsLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (l *wsLink) Send(env protocol.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := l.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (l *wsLink) Receive() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := l.conn.ReadJSON(&env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("websocket receive: %w", err)
	}
	return env, nil
}

func (l *wsLink) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}
