// Package tunnel carries HTTP requests and websockets addressed to hosted
// actors over a single websocket to the orchestrator's gateway.
package tunnel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lguibr/edgerunner/clock"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/utils"
	"github.com/sirupsen/logrus"
)

// Log is the tunnel's logger.
var Log = logrus.New()

// FetchFunc serves an HTTP request addressed to actorID. The response body
// is read to the end and closed by the tunnel.
type FetchFunc func(ctx context.Context, actorID string, req *http.Request) (*http.Response, error)

// WebSocketFunc serves a websocket addressed to actorID. It runs on its own
// goroutine; returning closes the socket (with 1011 when err is non-nil).
type WebSocketFunc func(ctx context.Context, actorID string, ws *WebSocket, req *http.Request) error

// Config configures a Tunnel. Zero durations and a nil Clock or Dialer fall
// back to defaults.
type Config struct {
	URL        string
	Fetch      FetchFunc
	WebSocket  WebSocketFunc
	Dialer     transport.Dialer
	Clock      clock.Clock
	Backoff    utils.BackoffConfig
	GCInterval time.Duration
	AckTimeout time.Duration
	Logger     *logrus.Entry
}

type unackedMessage struct {
	requestID string
	sentAt    time.Time
}

// Tunnel is one tunnel connection plus the requests and websockets in
// flight on it.
type Tunnel struct {
	cfg Config
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conn     transport.Conn
	started  bool
	stopped  bool
	actors   map[string]struct{}
	requests map[string]*pendingRequest
	sockets  map[string]*WebSocket
	unacked  map[string]unackedMessage
	gc       *clock.Repeater
}

// New builds a tunnel. Nothing is dialed until Start.
func New(cfg Config) *Tunnel {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = transport.WebSocketDialer{Timeout: 10 * time.Second}
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = utils.DefaultTunnelGCInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = utils.DefaultTunnelAckTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = utils.DefaultConfig().Backoff
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(Log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		cfg:      cfg,
		log:      log.WithField("component", "tunnel"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		actors:   make(map[string]struct{}),
		requests: make(map[string]*pendingRequest),
		sockets:  make(map[string]*WebSocket),
		unacked:  make(map[string]unackedMessage),
	}
}

// Start connects in the background and keeps reconnecting until Shutdown.
func (t *Tunnel) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	t.gc = clock.Every(t.cfg.Clock, t.cfg.GCInterval, t.collectGarbage)
	go t.run()
}

// Shutdown closes every request and websocket, then the connection.
// It does not wait; use Done for that. Open websockets are closed with
// 1000 "Tunnel closed" since their actors may keep running.
func (t *Tunnel) Shutdown() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	t.gc.Stop()
	requests, sockets := t.takeAllLocked(func(string) bool { return true })
	t.mu.Unlock()

	// Writes to a stalled gateway must not hold up the caller.
	go func() {
		t.teardown(requests, sockets, true, reasonTunnelClosed)

		t.cancel()
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if !started {
			close(t.done)
		}
		t.log.Debug("tunnel shut down")
	}()
}

// Done is closed once the connection loop has exited after Shutdown.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// RegisterActor makes actorID reachable through the tunnel.
func (t *Tunnel) RegisterActor(actorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actors[actorID] = struct{}{}
}

// UnregisterActor makes actorID unreachable at once. Its requests are
// aborted and its websockets closed with 1000 "Actor stopped" in the
// background.
func (t *Tunnel) UnregisterActor(actorID string) {
	t.mu.Lock()
	delete(t.actors, actorID)
	requests, sockets := t.takeAllLocked(func(id string) bool { return id == actorID })
	t.mu.Unlock()

	if len(requests) > 0 || len(sockets) > 0 {
		go t.teardown(requests, sockets, true, reasonActorStopped)
	}
}

// Registered reports whether actorID is reachable.
func (t *Tunnel) Registered(actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.actors[actorID]
	return ok
}

// takeAllLocked removes and returns the requests and sockets of every actor
// for which match reports true.
func (t *Tunnel) takeAllLocked(match func(actorID string) bool) ([]*pendingRequest, []*WebSocket) {
	var requests []*pendingRequest
	for id, req := range t.requests {
		if match(req.actorID) {
			requests = append(requests, req)
			delete(t.requests, id)
		}
	}
	var sockets []*WebSocket
	for id, ws := range t.sockets {
		if match(ws.actorID) {
			sockets = append(sockets, ws)
			delete(t.sockets, id)
		}
	}
	return requests, sockets
}

const (
	reasonActorStopped = "Actor stopped"
	reasonTunnelClosed = "Tunnel closed"
	reasonConnLost     = "tunnel connection lost"
)

// teardown aborts requests and closes sockets. notify tells the gateway,
// closing sockets with 1000 and reason.
func (t *Tunnel) teardown(requests []*pendingRequest, sockets []*WebSocket, notify bool, reason string) {
	for _, req := range requests {
		req.abort()
		if notify {
			t.send(req.requestID, protocol.TunnelResponseAbort{})
		}
	}
	for _, ws := range sockets {
		if notify {
			ws.closeWith(utils.CloseNormal, reason, true)
		} else {
			ws.closeWith(utils.CloseInternalError, reasonConnLost, false)
		}
	}
}

func (t *Tunnel) run() {
	defer close(t.done)
	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}
		header := http.Header{}
		header.Set(utils.TargetHeader, utils.TargetTunnel)
		conn, err := t.cfg.Dialer.Dial(t.ctx, t.cfg.URL, header)
		if err == nil {
			attempt = 0
			if !t.setConn(conn) {
				_ = conn.Close()
				return
			}
			t.log.Info("tunnel connected")
			err = t.readLoop(conn)
			t.dropConn(conn)
		}
		if t.ctx.Err() != nil {
			return
		}

		delay := utils.CalculateBackoff(attempt, t.cfg.Backoff)
		attempt++
		t.log.WithError(err).WithField("delay", delay).Warn("tunnel disconnected, reconnecting")
		select {
		case <-t.cfg.Clock.After(delay):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tunnel) setConn(conn transport.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.conn = conn
	return true
}

// dropConn forgets conn and everything that was in flight on it.
func (t *Tunnel) dropConn(conn transport.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.unacked = make(map[string]unackedMessage)
	requests, sockets := t.takeAllLocked(func(string) bool { return true })
	t.mu.Unlock()

	_ = conn.Close()
	t.teardown(requests, sockets, false, reasonConnLost)
}

func (t *Tunnel) readLoop(conn transport.Conn) error {
	for {
		frame, err := conn.Receive()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeTunnelMessage(frame)
		if err != nil {
			t.log.WithError(err).Warn("dropping undecodable tunnel frame")
			continue
		}
		t.handle(msg)
	}
}

func (t *Tunnel) handle(msg protocol.TunnelMessage) {
	if _, isAck := msg.Kind.(protocol.TunnelAck); isAck {
		t.mu.Lock()
		delete(t.unacked, string(msg.MessageID))
		t.mu.Unlock()
		return
	}
	t.sendFrame(protocol.TunnelMessage{RequestID: msg.RequestID, MessageID: msg.MessageID, Kind: protocol.TunnelAck{}})

	switch k := msg.Kind.(type) {
	case protocol.TunnelRequestStart:
		t.handleRequestStart(msg.RequestID, k)
	case protocol.TunnelRequestChunk:
		t.handleRequestChunk(msg.RequestID, k)
	case protocol.TunnelRequestAbort:
		t.handleRequestAbort(msg.RequestID)
	case protocol.TunnelWebSocketOpen:
		t.handleWebSocketOpen(msg.RequestID, k)
	case protocol.TunnelWebSocketMessage:
		t.mu.Lock()
		ws := t.sockets[string(msg.RequestID)]
		t.mu.Unlock()
		if ws != nil {
			ws.push(Message{Data: k.Data, Binary: k.Binary})
		}
	case protocol.TunnelWebSocketClose:
		t.mu.Lock()
		ws := t.sockets[string(msg.RequestID)]
		delete(t.sockets, string(msg.RequestID))
		t.mu.Unlock()
		if ws != nil {
			code, reason := uint16(utils.CloseNormal), ""
			if k.Code != nil {
				code = *k.Code
			}
			if k.Reason != nil {
				reason = *k.Reason
			}
			ws.closeWith(code, reason, false)
		}
	default:
		t.log.Warnf("unexpected tunnel message %T", msg.Kind)
	}
}

// send emits a tracked message belonging to requestID.
func (t *Tunnel) send(requestID []byte, kind protocol.TunnelKind) bool {
	id := uuid.New()
	msg := protocol.TunnelMessage{RequestID: requestID, MessageID: id[:], Kind: kind}

	t.mu.Lock()
	if t.conn != nil {
		t.unacked[string(msg.MessageID)] = unackedMessage{requestID: string(requestID), sentAt: t.cfg.Clock.Now()}
	}
	t.mu.Unlock()
	return t.sendFrame(msg)
}

func (t *Tunnel) sendFrame(msg protocol.TunnelMessage) bool {
	frame, err := protocol.EncodeTunnelMessage(msg)
	if err != nil {
		t.log.WithError(err).Errorf("encoding %T", msg.Kind)
		return false
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.log.Debugf("tunnel not connected, dropping %T", msg.Kind)
		return false
	}
	if err := conn.Send(frame); err != nil {
		t.log.WithError(err).Warnf("sending %T", msg.Kind)
		return false
	}
	return true
}

// collectGarbage drops messages the gateway never acknowledged, with the
// requests and websockets they belong to.
func (t *Tunnel) collectGarbage() {
	cutoff := t.cfg.Clock.Now().Add(-t.cfg.AckTimeout)

	t.mu.Lock()
	stale := make(map[string]struct{})
	for id, m := range t.unacked {
		if m.sentAt.Before(cutoff) {
			stale[m.requestID] = struct{}{}
			delete(t.unacked, id)
		}
	}
	var requests []*pendingRequest
	var sockets []*WebSocket
	for id := range stale {
		if req, ok := t.requests[id]; ok {
			requests = append(requests, req)
			delete(t.requests, id)
		}
		if ws, ok := t.sockets[id]; ok {
			sockets = append(sockets, ws)
			delete(t.sockets, id)
		}
	}
	t.mu.Unlock()

	if len(stale) > 0 {
		t.log.WithField("requests", len(stale)).Warn("purging tunnel requests with unacknowledged messages")
	}
	t.teardown(requests, sockets, false, reasonConnLost)
}

var errAborted = errors.New("tunnel: request aborted")
