package channel

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"
)

// Dialer opens one physical connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a message-oriented duplex connection. Receive is only called from
// one goroutine; Send calls are serialized by the Channel.
type Conn interface {
	Receive() ([]byte, error)
	Send(b []byte) error
	Close() error
}

// WebsocketDialer dials text-frame WebSocket connections.
type WebsocketDialer struct {
	// Origin is sent in the handshake. Empty derives it from the target URL.
	Origin string
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = httpOrigin(rawURL)
	}
	cfg, err := websocket.NewConfig(rawURL, origin)
	if err != nil {
		return nil, err
	}
	if d.Header != nil {
		cfg.Header = d.Header.Clone()
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func httpOrigin(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.SplitN(strings.TrimPrefix(wsURL, "wss://"), "/", 2)[0]
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.SplitN(strings.TrimPrefix(wsURL, "ws://"), "/", 2)[0]
	}
	return wsURL
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *wsConn) Send(b []byte) error {
	return websocket.Message.Send(c.ws, string(b))
}

func (c *wsConn) Close() error { return c.ws.Close() }
