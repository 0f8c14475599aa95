// Package server is an in-process stand-in for the orchestrator. It speaks
// the runner protocol on /v1 and the tunnel protocol on /tunnel, keeps what
// runners report in memory and lets callers push commands and tunnelled
// traffic. It is meant for tests and local development.
package server

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Log is the server's logger.
var Log = logrus.New()

// ErrUnknownRunner is returned for runner keys that never connected.
var ErrUnknownRunner = errors.New("server: unknown runner")

// Config tunes the server.
type Config struct {
	// RunnerLostThreshold is announced to runners in Init.
	RunnerLostThreshold time.Duration
	// AckEvents makes the server acknowledge every events batch.
	AckEvents bool
}

// Server tracks runners by key. A runner keeps its state (ID, events,
// commands) across reconnects.
type Server struct {
	cfg Config
	kv  *KVStore

	mu      sync.Mutex
	runners map[string]*runnerState
	tunnels map[string]*TunnelConn
	changed chan struct{}
}

type runnerState struct {
	key      string
	runnerID string
	init     protocol.ToServerInit
	conn     transport.Conn
	greeted  bool

	events          map[int64]protocol.EventWrapper
	lastEventIdx    int64
	commands        []protocol.CommandWrapper
	ackedCommandIdx int64
	pings           int
	stopping        bool
	connections     int
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		kv:      NewKVStore(),
		runners: make(map[string]*runnerState),
		tunnels: make(map[string]*TunnelConn),
		changed: make(chan struct{}),
	}
}

// Handler serves the control endpoint on /v1 and the tunnel on /tunnel.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1", websocket.Handler(s.HandleRunner))
	mux.Handle("/tunnel", websocket.Handler(s.HandleTunnel))
	return mux
}

// KV is the store serving runner KV requests.
func (s *Server) KV() *KVStore { return s.kv }

// notifyLocked wakes everyone waiting for a state change.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Wait blocks until cond holds or timeout elapses. cond runs with the
// server locked and must not call other Server methods.
func (s *Server) Wait(timeout time.Duration, cond func(v View) bool) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ok := cond(View{s: s})
		ch := s.changed
		s.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// View reads server state inside Wait.
type View struct{ s *Server }

func (v View) Connected(key string) bool {
	st := v.s.runners[key]
	return st != nil && st.conn != nil
}

func (v View) EventCount(key string) int {
	if st := v.s.runners[key]; st != nil {
		return len(st.events)
	}
	return 0
}

func (v View) Stopping(key string) bool {
	st := v.s.runners[key]
	return st != nil && st.stopping
}

func (v View) Tunnel(runnerID string) bool {
	return v.s.tunnels[runnerID] != nil
}

// RunnerID returns the ID assigned to the runner with key.
func (s *Server) RunnerID(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runners[key]
	if !ok {
		return "", ErrUnknownRunner
	}
	return st.runnerID, nil
}

// LastInit returns the most recent Init the runner sent.
func (s *Server) LastInit(key string) (protocol.ToServerInit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runners[key]
	if !ok {
		return protocol.ToServerInit{}, ErrUnknownRunner
	}
	return st.init, nil
}

// Events returns every event received from the runner, by index.
func (s *Server) Events(key string) []protocol.EventWrapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runners[key]
	if !ok {
		return nil
	}
	out := make([]protocol.EventWrapper, 0, len(st.events))
	for _, ev := range st.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Pings returns how many pings the runner sent.
func (s *Server) Pings(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.runners[key]; ok {
		return st.pings
	}
	return 0
}

// AckedCommandIdx returns the last command index the runner acknowledged,
// or -1.
func (s *Server) AckedCommandIdx(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.runners[key]; ok {
		return st.ackedCommandIdx
	}
	return -1
}

// Connections returns how many control connections the runner opened.
func (s *Server) Connections(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.runners[key]; ok {
		return st.connections
	}
	return 0
}

// StartActor queues a start command and sends it if the runner is
// connected.
func (s *Server) StartActor(key, actorID string, generation uint32, cfg protocol.ActorConfig) error {
	return s.command(key, protocol.CommandStartActor{ActorID: actorID, Generation: generation, Config: cfg})
}

// StopActor queues a stop command.
func (s *Server) StopActor(key, actorID string, generation uint32) error {
	return s.command(key, protocol.CommandStopActor{ActorID: actorID, Generation: generation})
}

func (s *Server) command(key string, cmd protocol.Command) error {
	s.mu.Lock()
	st, ok := s.runners[key]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownRunner
	}
	defer s.mu.Unlock()
	w := protocol.CommandWrapper{Index: int64(len(st.commands)), Inner: cmd}
	st.commands = append(st.commands, w)

	// Before the greeting the command goes out with the redelivery batch.
	if st.conn == nil || !st.greeted {
		return nil
	}
	return send(st.conn, protocol.ToClientCommands{Commands: []protocol.CommandWrapper{w}})
}

// Disconnect drops the runner's control connection, as a network failure
// would.
func (s *Server) Disconnect(key string) {
	s.mu.Lock()
	st, ok := s.runners[key]
	var conn transport.Conn
	if ok {
		conn = st.conn
	}
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// bind attaches a new control connection to the runner state for init.Key.
func (s *Server) bind(init protocol.ToServerInit, conn transport.Conn) (*runnerState, transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.runners[init.Key]
	if !ok {
		st = &runnerState{
			key:             init.Key,
			runnerID:        uuid.NewString(),
			events:          make(map[int64]protocol.EventWrapper),
			lastEventIdx:    -1,
			ackedCommandIdx: -1,
		}
		s.runners[init.Key] = st
	}
	previous := st.conn
	st.conn = conn
	st.greeted = false
	st.init = init
	st.stopping = false
	st.connections++
	s.notifyLocked()
	return st, previous
}

func (s *Server) unbind(st *runnerState, conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.conn == conn {
		st.conn = nil
		s.notifyLocked()
	}
}

func send(conn transport.Conn, msg protocol.ToClient) error {
	frame, err := protocol.EncodeToClient(msg)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}
