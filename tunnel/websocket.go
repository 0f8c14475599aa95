package tunnel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/utils"
)

// ErrWebSocketClosed is returned by reads after the queue drained and by
// writes once the socket is closed.
var ErrWebSocketClosed = errors.New("tunnel: websocket closed")

// Message is one websocket message.
type Message struct {
	Data   []byte
	Binary bool
}

// WebSocket is the actor's end of a websocket carried by the tunnel.
type WebSocket struct {
	tunnel    *Tunnel
	requestID []byte
	actorID   string

	mu          sync.Mutex
	queue       []Message
	notify      chan struct{}
	closed      chan struct{}
	isClosed    bool
	closeCode   uint16
	closeReason string
}

func newWebSocket(t *Tunnel, requestID []byte, actorID string) *WebSocket {
	return &WebSocket{
		tunnel:    t,
		requestID: requestID,
		actorID:   actorID,
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// ActorID is the actor the socket was opened for.
func (ws *WebSocket) ActorID() string { return ws.actorID }

// ReadMessage returns the next inbound message. Messages received before
// the close are still delivered.
func (ws *WebSocket) ReadMessage(ctx context.Context) (Message, error) {
	for {
		ws.mu.Lock()
		if len(ws.queue) > 0 {
			msg := ws.queue[0]
			ws.queue = ws.queue[1:]
			ws.mu.Unlock()
			return msg, nil
		}
		closed := ws.isClosed
		ws.mu.Unlock()
		if closed {
			return Message{}, ErrWebSocketClosed
		}

		select {
		case <-ws.notify:
		case <-ws.closed:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// WriteMessage sends a message to the peer.
func (ws *WebSocket) WriteMessage(data []byte, binary bool) error {
	ws.mu.Lock()
	closed := ws.isClosed
	ws.mu.Unlock()
	if closed {
		return ErrWebSocketClosed
	}
	if !ws.tunnel.send(ws.requestID, protocol.TunnelWebSocketMessage{Data: data, Binary: binary}) {
		return ErrWebSocketClosed
	}
	return nil
}

// Close closes the socket with code and reason. Closing twice is a no-op.
func (ws *WebSocket) Close(code uint16, reason string) error {
	ws.tunnel.forgetSocket(ws)
	ws.closeWith(code, reason, true)
	return nil
}

// Done is closed when the socket closes from either side.
func (ws *WebSocket) Done() <-chan struct{} { return ws.closed }

// CloseStatus returns the close code and reason once Done is closed.
func (ws *WebSocket) CloseStatus() (uint16, string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closeCode, ws.closeReason
}

func (ws *WebSocket) push(msg Message) {
	ws.mu.Lock()
	if ws.isClosed {
		ws.mu.Unlock()
		return
	}
	ws.queue = append(ws.queue, msg)
	ws.mu.Unlock()
	select {
	case ws.notify <- struct{}{}:
	default:
	}
}

// closeWith marks the socket closed. notify sends the close to the peer.
func (ws *WebSocket) closeWith(code uint16, reason string, notify bool) {
	ws.mu.Lock()
	if ws.isClosed {
		ws.mu.Unlock()
		return
	}
	ws.isClosed = true
	ws.closeCode = code
	ws.closeReason = reason
	close(ws.closed)
	ws.mu.Unlock()

	if notify {
		ws.tunnel.send(ws.requestID, protocol.TunnelWebSocketClose{Code: &code, Reason: &reason})
	}
}

func (t *Tunnel) forgetSocket(ws *WebSocket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sockets[string(ws.requestID)] == ws {
		delete(t.sockets, string(ws.requestID))
	}
}

func (t *Tunnel) handleWebSocketOpen(requestID []byte, m protocol.TunnelWebSocketOpen) {
	t.mu.Lock()
	_, registered := t.actors[m.ActorID]
	t.mu.Unlock()

	if !registered || t.cfg.WebSocket == nil {
		code := uint16(utils.CloseInternalError)
		reason := "Actor not found"
		if registered {
			reason = "WebSocket handler not implemented"
		}
		t.send(requestID, protocol.TunnelWebSocketClose{Code: &code, Reason: &reason})
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	req, err := newActorRequest(ctx, http.MethodGet, m.Path, m.Headers, nil)
	if err != nil {
		cancel()
		code := uint16(utils.CloseInternalError)
		reason := err.Error()
		t.send(requestID, protocol.TunnelWebSocketClose{Code: &code, Reason: &reason})
		return
	}

	ws := newWebSocket(t, requestID, m.ActorID)
	t.mu.Lock()
	t.sockets[string(requestID)] = ws
	t.mu.Unlock()
	t.send(requestID, protocol.TunnelWebSocketOpened{})

	go func() {
		defer cancel()
		go func() {
			select {
			case <-ws.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := t.cfg.WebSocket(ctx, m.ActorID, ws, req); err != nil {
			t.log.WithError(err).WithField("actor", m.ActorID).Warn("websocket handler failed")
			_ = ws.Close(utils.CloseInternalError, err.Error())
			return
		}
		_ = ws.Close(utils.CloseNormal, "")
	}()
}
