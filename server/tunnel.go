package server

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/utils"
	"golang.org/x/net/websocket"
)

var (
	// ErrNoTunnel is returned when the runner has no tunnel connected.
	ErrNoTunnel = errors.New("server: runner has no tunnel")
	// ErrTunnelClosed is returned when the tunnel drops mid-exchange.
	ErrTunnelClosed = errors.New("server: tunnel closed")
	// ErrAborted is returned when the runner aborts a response.
	ErrAborted = errors.New("server: response aborted")
)

// TunnelConn is the gateway end of a runner's tunnel.
type TunnelConn struct {
	runnerID string
	conn     transport.Conn
	closed   chan struct{}

	mu      sync.Mutex
	streams map[string]chan protocol.TunnelKind
	acks    int
}

// HandleTunnel serves a runner tunnel connection.
func (s *Server) HandleTunnel(ws *websocket.Conn) {
	req := ws.Request()
	defer ws.Close()
	if target := req.Header.Get(utils.TargetHeader); target != utils.TargetTunnel {
		Log.WithField("target", target).Warn("rejecting tunnel with wrong target")
		return
	}
	ws.PayloadType = websocket.BinaryFrame

	tc := &TunnelConn{
		runnerID: req.URL.Query().Get("runner_id"),
		conn:     transport.NewWebSocketConn(ws),
		closed:   make(chan struct{}),
		streams:  make(map[string]chan protocol.TunnelKind),
	}
	s.mu.Lock()
	s.tunnels[tc.runnerID] = tc
	s.notifyLocked()
	s.mu.Unlock()
	Log.WithField("runner", tc.runnerID).Info("tunnel connected")

	defer func() {
		close(tc.closed)
		s.mu.Lock()
		if s.tunnels[tc.runnerID] == tc {
			delete(s.tunnels, tc.runnerID)
			s.notifyLocked()
		}
		s.mu.Unlock()
	}()
	tc.readLoop()
}

// Tunnel returns the connected tunnel of runnerID.
func (s *Server) Tunnel(runnerID string) (*TunnelConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tunnels[runnerID]
	if !ok {
		return nil, ErrNoTunnel
	}
	return tc, nil
}

func (tc *TunnelConn) readLoop() {
	for {
		frame, err := tc.conn.Receive()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeTunnelMessage(frame)
		if err != nil {
			Log.WithError(err).Warn("dropping undecodable tunnel frame")
			continue
		}
		if _, isAck := msg.Kind.(protocol.TunnelAck); isAck {
			tc.mu.Lock()
			tc.acks++
			tc.mu.Unlock()
			continue
		}
		_ = tc.write(msg.RequestID, msg.MessageID, protocol.TunnelAck{})

		tc.mu.Lock()
		ch := tc.streams[string(msg.RequestID)]
		tc.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg.Kind:
			default:
				Log.Warn("tunnel stream backlog full, dropping message")
			}
		}
	}
}

func (tc *TunnelConn) write(requestID, messageID []byte, kind protocol.TunnelKind) error {
	if messageID == nil {
		id := uuid.New()
		messageID = id[:]
	}
	frame, err := protocol.EncodeTunnelMessage(protocol.TunnelMessage{RequestID: requestID, MessageID: messageID, Kind: kind})
	if err != nil {
		return err
	}
	return tc.conn.Send(frame)
}

func (tc *TunnelConn) open() ([]byte, chan protocol.TunnelKind) {
	id := uuid.New()
	ch := make(chan protocol.TunnelKind, 64)
	tc.mu.Lock()
	tc.streams[string(id[:])] = ch
	tc.mu.Unlock()
	return id[:], ch
}

func (tc *TunnelConn) release(requestID []byte) {
	tc.mu.Lock()
	delete(tc.streams, string(requestID))
	tc.mu.Unlock()
}

func (tc *TunnelConn) await(ctx context.Context, ch chan protocol.TunnelKind) (protocol.TunnelKind, error) {
	select {
	case kind := <-ch:
		return kind, nil
	case <-tc.closed:
		return nil, ErrTunnelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends an HTTP request to actorID and waits for the response.
func (tc *TunnelConn) Request(ctx context.Context, actorID, method, path string, headers map[string]string, body []byte) (protocol.TunnelResponseStart, error) {
	requestID, ch := tc.open()
	defer tc.release(requestID)

	if headers == nil {
		headers = map[string]string{}
	}
	start := protocol.TunnelRequestStart{ActorID: actorID, Method: method, Path: path, Headers: headers, Body: body}
	if err := tc.write(requestID, nil, start); err != nil {
		return protocol.TunnelResponseStart{}, err
	}
	for {
		kind, err := tc.await(ctx, ch)
		if err != nil {
			_ = tc.write(requestID, nil, protocol.TunnelRequestAbort{})
			return protocol.TunnelResponseStart{}, err
		}
		switch k := kind.(type) {
		case protocol.TunnelResponseStart:
			return k, nil
		case protocol.TunnelResponseAbort:
			return protocol.TunnelResponseStart{}, ErrAborted
		}
	}
}

// Acks returns how many acknowledgements the runner sent.
func (tc *TunnelConn) Acks() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.acks
}

// TunnelSocket is the gateway end of a tunnelled websocket.
type TunnelSocket struct {
	tc        *TunnelConn
	requestID []byte
	ch        chan protocol.TunnelKind
}

// OpenWebSocket opens a websocket to actorID. A refused open returns the
// runner's close message as an error.
func (tc *TunnelConn) OpenWebSocket(ctx context.Context, actorID, path string) (*TunnelSocket, error) {
	requestID, ch := tc.open()
	open := protocol.TunnelWebSocketOpen{ActorID: actorID, Path: path, Headers: map[string]string{}}
	if err := tc.write(requestID, nil, open); err != nil {
		tc.release(requestID)
		return nil, err
	}
	kind, err := tc.await(ctx, ch)
	if err != nil {
		tc.release(requestID)
		return nil, err
	}
	switch k := kind.(type) {
	case protocol.TunnelWebSocketOpened:
		return &TunnelSocket{tc: tc, requestID: requestID, ch: ch}, nil
	case protocol.TunnelWebSocketClose:
		tc.release(requestID)
		return nil, &CloseError{Code: k.Code, Reason: k.Reason}
	default:
		tc.release(requestID)
		return nil, errors.New("server: unexpected reply to websocket open")
	}
}

// CloseError reports a websocket closed by the runner.
type CloseError struct {
	Code   *uint16
	Reason *string
}

func (e *CloseError) Error() string {
	msg := "server: websocket closed"
	if e.Reason != nil {
		msg += ": " + *e.Reason
	}
	return msg
}

// Send writes a message to the actor.
func (ts *TunnelSocket) Send(data []byte, binary bool) error {
	return ts.tc.write(ts.requestID, nil, protocol.TunnelWebSocketMessage{Data: data, Binary: binary})
}

// Receive waits for the next message. A close from the runner is returned
// as *CloseError.
func (ts *TunnelSocket) Receive(ctx context.Context) (protocol.TunnelWebSocketMessage, error) {
	kind, err := ts.tc.await(ctx, ts.ch)
	if err != nil {
		return protocol.TunnelWebSocketMessage{}, err
	}
	switch k := kind.(type) {
	case protocol.TunnelWebSocketMessage:
		return k, nil
	case protocol.TunnelWebSocketClose:
		ts.tc.release(ts.requestID)
		return protocol.TunnelWebSocketMessage{}, &CloseError{Code: k.Code, Reason: k.Reason}
	default:
		return protocol.TunnelWebSocketMessage{}, errors.New("server: unexpected websocket message")
	}
}

// Close closes the websocket from the gateway side.
func (ts *TunnelSocket) Close(code uint16, reason string) error {
	defer ts.tc.release(ts.requestID)
	return ts.tc.write(ts.requestID, nil, protocol.TunnelWebSocketClose{Code: &code, Reason: &reason})
}
