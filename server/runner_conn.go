package server

import (
	"runtime/debug"

	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// HandleRunner serves one runner control connection. The first frame must
// be an Init.
func (s *Server) HandleRunner(ws *websocket.Conn) {
	req := ws.Request()
	log := Log.WithField("remote", req.RemoteAddr)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in runner connection: %v\n%s", r, string(debug.Stack()))
		}
		_ = ws.Close()
	}()

	if target := req.Header.Get(utils.TargetHeader); target != utils.TargetRunnerSocket {
		log.WithField("target", target).Warn("rejecting control connection with wrong target")
		return
	}
	ws.PayloadType = websocket.BinaryFrame
	conn := transport.NewWebSocketConn(ws)

	frame, err := conn.Receive()
	if err != nil {
		return
	}
	msg, err := protocol.DecodeToServer(frame)
	if err != nil {
		log.WithError(err).Warn("undecodable first frame")
		return
	}
	init, ok := msg.(protocol.ToServerInit)
	if !ok {
		log.Warnf("first frame is %T, not init", msg)
		return
	}

	st, previous := s.bind(init, conn)
	if previous != nil {
		_ = previous.Close()
	}
	defer s.unbind(st, conn)
	log = log.WithFields(logrus.Fields{"runner": st.runnerID, "key": st.key, "namespace": req.URL.Query().Get("namespace")})
	log.Info("runner connected")

	if err := s.greet(st, conn, init); err != nil {
		log.WithError(err).Warn("sending init")
		return
	}

	for {
		frame, err := conn.Receive()
		if err != nil {
			log.WithError(err).Info("runner disconnected")
			return
		}
		msg, err := protocol.DecodeToServer(frame)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		if err := s.handleRunnerMessage(st, conn, msg); err != nil {
			log.WithError(err).Warn("replying to runner")
			return
		}
	}
}

// greet answers Init and redelivers commands the runner has not applied.
// The server stays locked so no command slips between the two.
func (s *Server) greet(st *runnerState, conn transport.Conn, init protocol.ToServerInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := protocol.ToClientInit{
		RunnerID:     st.runnerID,
		LastEventIdx: st.lastEventIdx,
		Metadata:     protocol.ProtocolMetadata{RunnerLostThreshold: s.cfg.RunnerLostThreshold.Milliseconds()},
	}
	from := int64(0)
	if init.LastCommandIdx != nil {
		from = *init.LastCommandIdx + 1
	}
	var pending []protocol.CommandWrapper
	for _, c := range st.commands {
		if c.Index >= from {
			pending = append(pending, c)
		}
	}

	if err := send(conn, reply); err != nil {
		return err
	}
	if len(pending) > 0 {
		if err := send(conn, protocol.ToClientCommands{Commands: pending}); err != nil {
			return err
		}
	}
	if st.conn == conn {
		st.greeted = true
	}
	return nil
}

func (s *Server) handleRunnerMessage(st *runnerState, conn transport.Conn, msg protocol.ToServer) error {
	switch m := msg.(type) {
	case protocol.ToServerEvents:
		s.mu.Lock()
		for _, ev := range m.Events {
			st.events[ev.Index] = ev
			if ev.Index > st.lastEventIdx {
				st.lastEventIdx = ev.Index
			}
		}
		last := st.lastEventIdx
		s.notifyLocked()
		s.mu.Unlock()
		if s.cfg.AckEvents {
			return send(conn, protocol.ToClientAckEvents{LastEventIdx: last})
		}

	case protocol.ToServerAckCommands:
		s.mu.Lock()
		st.ackedCommandIdx = m.LastCommandIdx
		s.mu.Unlock()

	case protocol.ToServerPing:
		s.mu.Lock()
		st.pings++
		s.notifyLocked()
		s.mu.Unlock()

	case protocol.ToServerStopping:
		s.mu.Lock()
		st.stopping = true
		s.notifyLocked()
		s.mu.Unlock()

	case protocol.ToServerKvRequest:
		resp := s.kv.Handle(m.ActorID, m.Data)
		return send(conn, protocol.ToClientKvResponse{RequestID: m.RequestID, Data: resp})

	case protocol.ToServerInit:
		Log.WithField("runner", st.runnerID).Warn("ignoring repeated init")
	}
	return nil
}
