package runner

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/lguibr/edgerunner/bollywood"
	"github.com/lguibr/edgerunner/clock"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/utils"
	"github.com/sirupsen/logrus"
)

// SessionState is the lifecycle state of the control connection.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateAwaitingInit
	StateConnected
	StateReconnecting
	StateShutDown
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingInit:
		return "awaiting-init"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShutDown:
		return "shut-down"
	default:
		return "unknown"
	}
}

const noCommandIdx int64 = -1

// session is the control-connection actor. It owns the journal, the actor
// table, the KV multiplexer and every timer.
type session struct {
	cfg       utils.Config
	host      Host
	clock     clock.Clock
	dialer    transport.Dialer
	newTunnel func(runnerID string) (Tunnel, error)

	engine *bollywood.Engine
	self   *bollywood.PID
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	state               SessionState
	conn                transport.Conn
	connID              uint64
	runnerID            string
	runnerLostThreshold time.Duration
	attempt             int
	lastCommandIdx      int64

	journal *journal
	actors  *actorTable
	kv      *kvMux
	tunnel  Tunnel

	pingTimer    *clock.Repeater
	ackTimer     *clock.Repeater
	pruneTimer   *clock.Repeater
	kvSweepTimer *clock.Repeater

	reconnectTimer  *clock.Timer
	reconnectSeq    uint64
	runnerLostTimer *clock.Timer
	runnerLostSeq   uint64

	shutdownDone chan struct{}
}

func newSession(cfg utils.Config, host Host, clk clock.Clock, dialer transport.Dialer,
	newTunnel func(string) (Tunnel, error), engine *bollywood.Engine) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		cfg:            cfg,
		host:           host,
		clock:          clk,
		dialer:         dialer,
		newTunnel:      newTunnel,
		engine:         engine,
		log:            Log.WithFields(logrus.Fields{"runner": cfg.RunnerName, "key": cfg.RunnerKey}),
		ctx:            ctx,
		cancel:         cancel,
		lastCommandIdx: noCommandIdx,
		journal:        &journal{},
		actors:         newActorTable(),
		kv:             newKVMux(),
	}
}

func (s *session) send(msg interface{}) {
	s.engine.Send(s.self, msg, nil)
}

// Receive handles messages for the session actor.
func (s *session) Receive(ctx bollywood.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("panic in session Receive(%T): %v\n%s", ctx.Message(), r, string(debug.Stack()))
			if ctx.RequestID() != "" {
				ctx.Reply(fmt.Errorf("runner: session panicked: %v", r))
			}
		}
	}()

	switch msg := ctx.Message().(type) {
	case bollywood.Started:
		s.self = ctx.Self()
		s.pruneTimer = clock.Every(s.clock, s.cfg.EventPruneInterval, func() { s.send(pruneTick{}) })
		s.kvSweepTimer = clock.Every(s.clock, s.cfg.KVSweepInterval, func() { s.send(kvSweepTick{}) })

	case connectRequest:
		if s.state == StateIdle {
			s.connect()
		}

	case reconnectFired:
		if msg.seq != s.reconnectSeq || s.reconnectTimer == nil || s.state == StateShutDown {
			return
		}
		s.reconnectTimer = nil
		s.connect()

	case dialResult:
		s.handleDialResult(msg)

	case frameReceived:
		if msg.connID != s.connID || s.conn == nil {
			return
		}
		if msg.err != nil {
			s.log.WithError(msg.err).Warn("dropping undecodable frame")
			return
		}
		s.dispatch(msg.msg)

	case connClosed:
		s.handleClose(msg)

	case pingTick:
		if msg.connID == s.connID && s.conn != nil {
			s.write(protocol.ToServerPing{Ts: s.clock.Now().UnixMilli()})
		}

	case ackTick:
		if msg.connID == s.connID && s.conn != nil && s.lastCommandIdx != noCommandIdx {
			s.write(protocol.ToServerAckCommands{LastCommandIdx: s.lastCommandIdx})
		}

	case pruneTick:
		if n := s.journal.prune(s.clock.Now().Add(-s.cfg.EventRetention)); n > 0 {
			s.log.WithField("count", n).Debug("pruned old events")
		}

	case kvSweepTick:
		if n := s.kv.expire(s.clock.Now().Add(-s.cfg.KVExpire)); n > 0 {
			s.log.WithField("count", n).Warn("kv requests timed out")
		}

	case runnerLostFired:
		if msg.seq != s.runnerLostSeq || s.runnerLostTimer == nil {
			return
		}
		s.runnerLostTimer = nil
		s.handleRunnerLost()

	case actorStartFailed:
		gen := msg.generation
		if inst := s.actors.get(msg.actorID, &gen); inst != nil {
			s.log.WithError(msg.err).WithField("actor", msg.actorID).Error("actor start failed")
			reason := msg.err.Error()
			s.stopActor(inst, protocol.StopCodeError, &reason)
		}

	case kvCall:
		s.handleKVCall(msg)
		ctx.Reply(nil)

	case kvAbandon:
		s.kv.abandon(msg.result)

	case emitIntent:
		inst := s.actors.get(msg.actorID, msg.generation)
		if inst == nil {
			ctx.Reply(ErrActorNotFound)
			return
		}
		s.emit(protocol.EventActorIntent{ActorID: inst.ActorID, Generation: inst.Generation, Intent: msg.intent})
		ctx.Reply(nil)

	case emitAlarm:
		inst := s.actors.get(msg.actorID, msg.generation)
		if inst == nil {
			ctx.Reply(ErrActorNotFound)
			return
		}
		s.emit(protocol.EventActorSetAlarm{ActorID: inst.ActorID, Generation: inst.Generation, AlarmTs: msg.alarmTs})
		ctx.Reply(nil)

	case stopActorRequest:
		inst := s.actors.get(msg.actorID, msg.generation)
		if inst == nil {
			ctx.Reply(ErrActorNotFound)
			return
		}
		s.stopActor(inst, protocol.StopCodeOk, nil)
		ctx.Reply(nil)

	case hasActorRequest:
		ctx.Reply(s.actors.get(msg.actorID, msg.generation) != nil)

	case snapshotRequest:
		ctx.Reply(s.snapshot())

	case shutdownRequest:
		ctx.Reply(s.shutdown(msg.immediate))

	case bollywood.Stopping:
		if s.state != StateShutDown {
			s.shutdown(true)
		}

	case bollywood.Stopped:
		s.cancel()

	default:
		s.log.Warnf("session received unexpected message %T", msg)
	}
}

func (s *session) connect() {
	if s.state == StateShutDown {
		return
	}
	url, err := s.cfg.ControlURL()
	if err != nil {
		s.log.WithError(err).Error("invalid control endpoint")
		s.state = StateReconnecting
		s.scheduleReconnect()
		return
	}

	s.connID++
	connID := s.connID
	s.state = StateConnecting
	s.log.WithFields(logrus.Fields{"url": url, "attempt": s.attempt}).Debug("connecting")

	header := http.Header{}
	header.Set(utils.TargetHeader, utils.TargetRunnerSocket)
	go func() {
		conn, err := s.dialer.Dial(s.ctx, url, header)
		s.send(dialResult{connID: connID, conn: conn, err: err})
	}()
}

func (s *session) handleDialResult(msg dialResult) {
	if msg.connID != s.connID || s.state == StateShutDown {
		if msg.conn != nil {
			_ = msg.conn.Close()
		}
		return
	}
	if msg.err != nil {
		s.log.WithError(msg.err).Warn("control connection failed")
		s.state = StateReconnecting
		s.armRunnerLost()
		s.scheduleReconnect()
		return
	}
	s.onOpen(msg.conn)
}

func (s *session) onOpen(conn transport.Conn) {
	s.conn = conn
	s.attempt = 0
	s.cancelReconnect()
	s.state = StateAwaitingInit
	s.log.Info("control connection open")

	init, err := s.initMessage()
	if err != nil {
		s.log.WithError(err).Error("building init message")
	}
	s.write(init)

	connID := s.connID
	go s.readLoop(conn, connID)
	s.pingTimer = clock.Every(s.clock, s.cfg.PingInterval, func() { s.send(pingTick{connID: connID}) })
	s.ackTimer = clock.Every(s.clock, s.cfg.AckInterval, func() { s.send(ackTick{connID: connID}) })
}

func (s *session) initMessage() (protocol.ToServerInit, error) {
	init := protocol.ToServerInit{
		Name:          s.cfg.RunnerName,
		Key:           s.cfg.RunnerKey,
		Version:       s.cfg.Version,
		TotalSlots:    s.cfg.TotalSlots,
		AddressesHTTP: map[string]protocol.RunnerAddress{},
	}
	if s.runnerID != "" {
		id := s.runnerID
		init.RunnerID = &id
	}
	if s.lastCommandIdx != noCommandIdx {
		idx := s.lastCommandIdx
		init.LastCommandIdx = &idx
	}

	names, err := s.cfg.ActorNamesJSON()
	if err != nil {
		return init, err
	}
	init.PrepopulateActorNames = make(map[string]protocol.ActorName, len(names))
	for name, meta := range names {
		init.PrepopulateActorNames[name] = protocol.ActorName{Metadata: meta}
	}

	meta, err := s.cfg.MetadataJSON()
	if err != nil {
		return init, err
	}
	init.Metadata = &meta
	return init, nil
}

func (s *session) readLoop(conn transport.Conn, connID uint64) {
	for {
		frame, err := conn.Receive()
		if err != nil {
			s.send(connClosed{connID: connID, err: err})
			return
		}
		msg, err := protocol.DecodeToClient(frame)
		s.send(frameReceived{connID: connID, msg: msg, err: err})
	}
}

// write encodes and sends msg on the current connection. A failed send is
// only logged; the read loop reports the broken connection.
func (s *session) write(msg protocol.ToServer) bool {
	if s.conn == nil {
		return false
	}
	frame, err := protocol.EncodeToServer(msg)
	if err != nil {
		s.log.WithError(err).Errorf("encoding %T", msg)
		return false
	}
	if err := s.conn.Send(frame); err != nil {
		s.log.WithError(err).Warnf("sending %T", msg)
		return false
	}
	return true
}

func (s *session) dispatch(msg protocol.ToClient) {
	switch m := msg.(type) {
	case protocol.ToClientInit:
		s.handleInit(m)
	case protocol.ToClientCommands:
		if s.state != StateConnected {
			s.log.WithField("count", len(m.Commands)).Warn("dropping commands received before init")
			return
		}
		for _, c := range m.Commands {
			s.applyCommand(c)
		}
	case protocol.ToClientAckEvents:
		n := s.journal.acknowledge(m.LastEventIdx)
		s.log.WithFields(logrus.Fields{"lastEventIdx": m.LastEventIdx, "pruned": n}).Debug("events acknowledged")
	case protocol.ToClientKvResponse:
		if !s.kv.resolve(m.RequestID, m.Data) {
			s.log.WithField("requestId", m.RequestID).Warn("kv response for unknown request")
		}
	}
}

func (s *session) handleInit(m protocol.ToClientInit) {
	if s.state != StateAwaitingInit && s.state != StateConnected {
		return
	}
	s.runnerID = m.RunnerID
	s.runnerLostThreshold = time.Duration(m.Metadata.RunnerLostThreshold) * time.Millisecond
	s.cancelRunnerLost()
	s.state = StateConnected
	s.log.WithFields(logrus.Fields{
		"runnerId":     m.RunnerID,
		"lastEventIdx": m.LastEventIdx,
		"lostAfter":    s.runnerLostThreshold,
	}).Info("runner connected")

	if events := s.journal.since(m.LastEventIdx); len(events) > 0 {
		s.write(protocol.ToServerEvents{Events: events})
	}

	now := s.clock.Now()
	for _, e := range s.kv.unsent() {
		if !s.write(e.request()) {
			break
		}
		e.markSent(now)
	}

	s.restartTunnel()

	if s.host.OnConnected != nil {
		s.host.OnConnected()
	}
}

func (s *session) restartTunnel() {
	if s.tunnel != nil {
		s.tunnel.Shutdown()
		s.tunnel = nil
	}
	if s.newTunnel == nil {
		return
	}
	t, err := s.newTunnel(s.runnerID)
	if err != nil {
		s.log.WithError(err).Error("creating tunnel")
		return
	}
	for _, inst := range s.actors.sorted() {
		t.RegisterActor(inst.ActorID)
	}
	t.Start()
	s.tunnel = t
}

func (s *session) applyCommand(c protocol.CommandWrapper) {
	if s.lastCommandIdx != noCommandIdx && c.Index <= s.lastCommandIdx {
		s.log.WithField("index", c.Index).Debug("skipping already applied command")
		return
	}
	switch cmd := c.Inner.(type) {
	case protocol.CommandStartActor:
		s.startActor(cmd)
	case protocol.CommandStopActor:
		gen := cmd.Generation
		if inst := s.actors.get(cmd.ActorID, &gen); inst != nil {
			s.stopActor(inst, protocol.StopCodeOk, nil)
		} else {
			s.log.WithFields(logrus.Fields{"actor": cmd.ActorID, "generation": cmd.Generation}).
				Warn("stop for unknown actor or stale generation")
		}
	}
	s.lastCommandIdx = c.Index
}

func (s *session) startActor(cmd protocol.CommandStartActor) {
	if existing := s.actors.get(cmd.ActorID, nil); existing != nil {
		if existing.Generation == cmd.Generation {
			s.log.WithField("actor", cmd.ActorID).Debug("duplicate start ignored")
			return
		}
		s.stopActor(existing, protocol.StopCodeOk, nil)
	}

	actorCtx, cancel := context.WithCancel(s.ctx)
	inst := &ActorInstance{
		ActorID:    cmd.ActorID,
		Generation: cmd.Generation,
		Config:     cmd.Config,
		StartedAt:  s.clock.Now(),
		cancel:     cancel,
	}
	s.actors.insert(inst)
	if s.tunnel != nil {
		s.tunnel.RegisterActor(inst.ActorID)
	}
	s.emit(protocol.EventActorStateUpdate{ActorID: inst.ActorID, Generation: inst.Generation, State: protocol.ActorStateRunning{}})
	s.log.WithFields(logrus.Fields{"actor": inst.ActorID, "generation": inst.Generation, "name": cmd.Config.Name}).Info("actor started")

	if s.host.OnActorStart == nil {
		return
	}
	go func() {
		if err := s.host.OnActorStart(actorCtx, inst.ActorID, inst.Generation, inst.Config); err != nil {
			s.send(actorStartFailed{actorID: inst.ActorID, generation: inst.Generation, err: err})
		}
	}()
}

func (s *session) stopActor(inst *ActorInstance, code protocol.StopCode, message *string) {
	s.actors.remove(inst.ActorID)
	inst.cancel()
	if s.tunnel != nil {
		s.tunnel.UnregisterActor(inst.ActorID)
	}
	s.emit(protocol.EventActorStateUpdate{
		ActorID:    inst.ActorID,
		Generation: inst.Generation,
		State:      protocol.ActorStateStopped{Code: code, Message: message},
	})
	s.log.WithFields(logrus.Fields{"actor": inst.ActorID, "generation": inst.Generation, "code": code}).Info("actor stopped")

	if s.host.OnActorStop == nil {
		return
	}
	go func() {
		if err := s.host.OnActorStop(context.Background(), inst.ActorID, inst.Generation); err != nil {
			s.log.WithError(err).WithField("actor", inst.ActorID).Error("actor stop callback failed")
		}
	}()
}

// emit journals an event and sends it right away when connected. Otherwise
// it goes out with the resend batch after the next init.
func (s *session) emit(ev protocol.Event) {
	if s.state == StateShutDown {
		s.log.Warnf("runner is shut down, dropping %T", ev)
		return
	}
	w := s.journal.append(ev, s.clock.Now())
	if s.state == StateConnected {
		s.write(protocol.ToServerEvents{Events: []protocol.EventWrapper{w}})
	}
}

func (s *session) handleKVCall(msg kvCall) {
	if s.state == StateShutDown {
		msg.result <- kvResult{err: ErrShutdown}
		return
	}
	e := s.kv.add(msg.actorID, msg.data, msg.result, s.clock.Now())
	if s.state == StateConnected && s.write(e.request()) {
		e.markSent(s.clock.Now())
	}
}

func (s *session) handleClose(msg connClosed) {
	if msg.connID != s.connID || s.conn == nil {
		return
	}
	// A close frame or a read error leaves the socket open on our side.
	conn := s.conn
	s.conn = nil
	go func() { _ = conn.Close() }()
	s.pingTimer.Stop()
	s.ackTimer.Stop()
	s.log.WithError(msg.err).Info("control connection closed")

	if s.host.OnDisconnected != nil {
		s.host.OnDisconnected()
	}

	if s.state == StateShutDown {
		if s.shutdownDone != nil {
			close(s.shutdownDone)
		}
		return
	}
	s.state = StateReconnecting
	s.armRunnerLost()
	s.scheduleReconnect()
}

func (s *session) scheduleReconnect() {
	if s.state == StateShutDown {
		return
	}
	delay := utils.CalculateBackoff(s.attempt, s.cfg.Backoff)
	s.attempt++
	s.cancelReconnect()
	s.reconnectSeq++
	seq := s.reconnectSeq
	s.reconnectTimer = s.clock.AfterFunc(delay, func() { s.send(reconnectFired{seq: seq}) })
	s.log.WithFields(logrus.Fields{"delay": delay, "attempt": s.attempt}).Info("scheduling reconnect")
}

func (s *session) cancelReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// armRunnerLost starts the self-stop countdown once per disconnect period.
func (s *session) armRunnerLost() {
	if s.runnerLostThreshold <= 0 || s.runnerLostTimer != nil {
		return
	}
	s.runnerLostSeq++
	seq := s.runnerLostSeq
	s.runnerLostTimer = s.clock.AfterFunc(s.runnerLostThreshold, func() { s.send(runnerLostFired{seq: seq}) })
}

func (s *session) cancelRunnerLost() {
	if s.runnerLostTimer != nil {
		s.runnerLostTimer.Stop()
		s.runnerLostTimer = nil
	}
}

func (s *session) handleRunnerLost() {
	if s.state == StateConnected || s.state == StateShutDown {
		return
	}
	s.log.WithField("actors", s.actors.len()).Warn("runner lost threshold elapsed, stopping all actors")
	reason := "runner lost"
	for _, inst := range s.actors.sorted() {
		s.stopActor(inst, protocol.StopCodeError, &reason)
	}
}

// shutdown returns a channel closed once the control connection is gone.
func (s *session) shutdown(immediate bool) <-chan struct{} {
	if s.state == StateShutDown {
		if s.shutdownDone != nil {
			return s.shutdownDone
		}
		done := make(chan struct{})
		close(done)
		return done
	}

	s.log.WithField("immediate", immediate).Info("shutting down runner")
	s.state = StateShutDown
	s.pingTimer.Stop()
	s.ackTimer.Stop()
	s.pruneTimer.Stop()
	s.kvSweepTimer.Stop()
	s.cancelReconnect()
	s.cancelRunnerLost()
	s.kv.rejectAll(ErrShutdown)

	if s.tunnel != nil {
		s.tunnel.Shutdown()
		s.tunnel = nil
	}

	s.shutdownDone = make(chan struct{})
	if s.conn == nil {
		close(s.shutdownDone)
		s.cancel()
		return s.shutdownDone
	}
	if !immediate {
		s.write(protocol.ToServerStopping{})
	}
	conn := s.conn
	go func() { _ = conn.Close() }()
	s.cancel()
	return s.shutdownDone
}
