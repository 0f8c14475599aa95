// Package transport carries binary frames over websockets for the control
// connection and the tunnel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/websocket"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a message-oriented full-duplex connection. Send may be called
// from several goroutines; Receive from one.
type Conn interface {
	Send(frame []byte) error
	// Receive blocks until the next frame arrives or the connection closes.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens connections. Implementations must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebSocketDialer dials with golang.org/x/net/websocket.
type WebSocketDialer struct {
	// Timeout bounds the TCP connect. Zero means no bound beyond ctx.
	Timeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	cfg, err := websocket.NewConfig(rawURL, originFor(rawURL))
	if err != nil {
		return nil, fmt.Errorf("websocket config for %s: %w", rawURL, err)
	}
	for k, v := range header {
		cfg.Header[k] = v
	}
	cfg.Dialer = &net.Dialer{Timeout: d.Timeout}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	ws.PayloadType = websocket.BinaryFrame
	return NewWebSocketConn(ws), nil
}

func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "http://localhost/"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

type webSocketConn struct {
	ws *websocket.Conn
}

// NewWebSocketConn adapts an established x/net websocket, client or server
// side. Frames are sent as binary.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	return &webSocketConn{ws: ws}
}

func (c *webSocketConn) Send(frame []byte) error {
	return websocket.Message.Send(c.ws, frame)
}

func (c *webSocketConn) Receive() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *webSocketConn) Close() error {
	return c.ws.Close()
}
