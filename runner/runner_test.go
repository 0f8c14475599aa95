package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lguibr/edgerunner/bollywood"
	"github.com/lguibr/edgerunner/clock"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Log.SetOutput(io.Discard)
	bollywood.Log.SetOutput(io.Discard)
}

const waitFor = 2 * time.Second

type dialReply struct {
	conn transport.Conn
	err  error
}

type dialAttempt struct {
	url    string
	header http.Header
	reply  chan dialReply
}

// fakeDialer hands every dial attempt to the test, which accepts it with an
// in-memory pipe or rejects it.
type fakeDialer struct {
	attempts chan dialAttempt
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	a := dialAttempt{url: url, header: header, reply: make(chan dialReply, 1)}
	select {
	case d.attempts <- a:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-a.reply:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeTunnel struct {
	mu         sync.Mutex
	runnerID   string
	started    bool
	shutdown   bool
	registered map[string]bool
}

func (f *fakeTunnel) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeTunnel) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeTunnel) RegisterActor(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[id] = true
}

func (f *fakeTunnel) UnregisterActor(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, id)
}

func (f *fakeTunnel) isRegistered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[id]
}

// countingConn counts what the runner does with its end of a connection.
type countingConn struct {
	transport.Conn
	sends  atomic.Int32
	closes atomic.Int32
}

func (c *countingConn) Send(frame []byte) error {
	c.sends.Add(1)
	return c.Conn.Send(frame)
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

// peer is the orchestrator end of a control connection.
type peer struct {
	t    *testing.T
	conn transport.Conn
	in   chan protocol.ToServer
}

func newPeer(t *testing.T, conn transport.Conn) *peer {
	p := &peer{t: t, conn: conn, in: make(chan protocol.ToServer, 256)}
	go func() {
		defer close(p.in)
		for {
			frame, err := conn.Receive()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeToServer(frame)
			if err != nil {
				continue
			}
			p.in <- msg
		}
	}()
	return p
}

func (p *peer) next() protocol.ToServer {
	p.t.Helper()
	select {
	case msg, ok := <-p.in:
		require.True(p.t, ok, "control connection closed")
		return msg
	case <-time.After(waitFor):
		p.t.Fatal("timed out waiting for a message from the runner")
		return nil
	}
}

// nextRelevant skips pings and command acks.
func (p *peer) nextRelevant() protocol.ToServer {
	p.t.Helper()
	for {
		switch msg := p.next().(type) {
		case protocol.ToServerPing, protocol.ToServerAckCommands:
			continue
		default:
			return msg
		}
	}
}

func (p *peer) expectInit() protocol.ToServerInit {
	p.t.Helper()
	msg := p.nextRelevant()
	init, ok := msg.(protocol.ToServerInit)
	require.Truef(p.t, ok, "expected init, got %T", msg)
	return init
}

func (p *peer) expectEvents(n int) []protocol.EventWrapper {
	p.t.Helper()
	var out []protocol.EventWrapper
	for len(out) < n {
		msg := p.nextRelevant()
		events, ok := msg.(protocol.ToServerEvents)
		require.Truef(p.t, ok, "expected events, got %T", msg)
		out = append(out, events.Events...)
	}
	require.Len(p.t, out, n)
	return out
}

func (p *peer) expectKV() protocol.ToServerKvRequest {
	p.t.Helper()
	msg := p.nextRelevant()
	req, ok := msg.(protocol.ToServerKvRequest)
	require.Truef(p.t, ok, "expected kv request, got %T", msg)
	return req
}

func (p *peer) send(msg protocol.ToClient) {
	p.t.Helper()
	frame, err := protocol.EncodeToClient(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(frame))
}

type harness struct {
	t       *testing.T
	clk     *clock.FakeClock
	dialer  *fakeDialer
	runner  *Runner
	mu      sync.Mutex
	tunnels []*fakeTunnel
}

func newHarness(t *testing.T, host Host, mutate func(*utils.Config)) *harness {
	t.Helper()
	cfg := utils.DefaultConfig()
	cfg.Endpoint = "http://orchestrator"
	cfg.RunnerKey = "key-1"
	cfg.RunnerName = "pool"
	cfg.Backoff.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:      t,
		clk:    clock.Fake(time.Unix(1_700_000_000, 0)),
		dialer: &fakeDialer{attempts: make(chan dialAttempt, 4)},
	}
	r, err := New(cfg, host, Options{
		Clock:  h.clk,
		Dialer: h.dialer,
		NewTunnel: func(runnerID string) (Tunnel, error) {
			ft := &fakeTunnel{runnerID: runnerID, registered: map[string]bool{}}
			h.mu.Lock()
			h.tunnels = append(h.tunnels, ft)
			h.mu.Unlock()
			return ft, nil
		},
	})
	require.NoError(t, err)
	h.runner = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Shutdown(ctx, true)
	})
	r.Start()
	return h
}

func (h *harness) nextAttempt() dialAttempt {
	h.t.Helper()
	select {
	case a := <-h.dialer.attempts:
		return a
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for a dial")
		return dialAttempt{}
	}
}

func (h *harness) accept() *peer {
	h.t.Helper()
	a := h.nextAttempt()
	runnerSide, orchestratorSide := transport.Pipe()
	a.reply <- dialReply{conn: runnerSide}
	return newPeer(h.t, orchestratorSide)
}

// acceptCounting is accept with the runner's end wrapped in a countingConn.
func (h *harness) acceptCounting() (*peer, *countingConn) {
	h.t.Helper()
	a := h.nextAttempt()
	runnerSide, orchestratorSide := transport.Pipe()
	cc := &countingConn{Conn: runnerSide}
	a.reply <- dialReply{conn: cc}
	return newPeer(h.t, orchestratorSide), cc
}

// connect accepts the next dial and completes the init handshake.
func (h *harness) connect(lastEventIdx int64, lostThresholdMs int64) (*peer, protocol.ToServerInit) {
	h.t.Helper()
	p := h.accept()
	init := p.expectInit()
	p.send(protocol.ToClientInit{
		RunnerID:     "runner-1",
		LastEventIdx: lastEventIdx,
		Metadata:     protocol.ProtocolMetadata{RunnerLostThreshold: lostThresholdMs},
	})
	h.waitState(StateConnected)
	return p, init
}

// drop closes p and waits for the runner to notice.
func (h *harness) drop(p *peer) {
	h.t.Helper()
	require.NoError(h.t, p.conn.Close())
	h.waitState(StateReconnecting)
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	snap, err := h.runner.Snapshot(ctx)
	require.NoError(h.t, err)
	return snap
}

func (h *harness) waitState(state SessionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.snapshot().State == state },
		waitFor, 5*time.Millisecond, "state never became %s", state)
}

func (h *harness) lastTunnel() *fakeTunnel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tunnels) == 0 {
		return nil
	}
	return h.tunnels[len(h.tunnels)-1]
}

func startCmd(idx int64, actorID string, gen uint32) protocol.CommandWrapper {
	return protocol.CommandWrapper{Index: idx, Inner: protocol.CommandStartActor{
		ActorID:    actorID,
		Generation: gen,
		Config:     protocol.ActorConfig{Name: "counter", CreateTs: 1},
	}}
}

func stopCmd(idx int64, actorID string, gen uint32) protocol.CommandWrapper {
	return protocol.CommandWrapper{Index: idx, Inner: protocol.CommandStopActor{ActorID: actorID, Generation: gen}}
}

func ctxWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func gen(g uint32) *uint32 { return &g }

func TestInitHandshake(t *testing.T) {
	h := newHarness(t, Host{}, func(c *utils.Config) {
		c.TotalSlots = 7
		c.Metadata = map[string]interface{}{"region": "eu"}
		c.PrepopulateActorNames = map[string]utils.ActorNameConfig{"counter": {}}
	})

	a := h.nextAttempt()
	assert.Equal(t, "ws://orchestrator/v1?namespace=default", a.url)
	assert.Equal(t, "runner-ws", a.header.Get("x-rivet-target"))
	runnerSide, orchestratorSide := transport.Pipe()
	a.reply <- dialReply{conn: runnerSide}
	p := newPeer(t, orchestratorSide)

	init := p.expectInit()
	assert.Nil(t, init.RunnerID)
	assert.Nil(t, init.LastCommandIdx)
	assert.Equal(t, "pool", init.Name)
	assert.Equal(t, "key-1", init.Key)
	assert.Equal(t, uint32(7), init.TotalSlots)
	assert.NotNil(t, init.AddressesHTTP)
	require.NotNil(t, init.Metadata)
	assert.JSONEq(t, `{"region":"eu"}`, *init.Metadata)
	assert.Equal(t, protocol.ActorName{Metadata: "{}"}, init.PrepopulateActorNames["counter"])
	assert.Equal(t, StateAwaitingInit, h.snapshot().State)

	p.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: -1})
	h.waitState(StateConnected)
	snap := h.snapshot()
	assert.Equal(t, "runner-1", snap.RunnerID)
	assert.Equal(t, 0, snap.Attempt)

	tun := h.lastTunnel()
	require.NotNil(t, tun)
	assert.Equal(t, "runner-1", tun.runnerID)
	assert.True(t, tun.started)
}

func TestPingWhileConnected(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	h.clk.Advance(time.Second)
	msg := p.next()
	ping, ok := msg.(protocol.ToServerPing)
	require.Truef(t, ok, "expected ping, got %T", msg)
	assert.Equal(t, h.clk.Now().UnixMilli(), ping.Ts)
}

func TestEventIndicesAreMonotonic(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{
		startCmd(0, "a", 1), startCmd(1, "b", 1), startCmd(2, "c", 1),
	}})
	events := p.expectEvents(3)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Index)
		update := ev.Inner.(protocol.EventActorStateUpdate)
		assert.Equal(t, protocol.ActorStateRunning{}, update.State)
	}

	ctx := ctxWithTimeout(t)
	require.NoError(t, h.runner.SleepActor(ctx, "a", nil))
	require.NoError(t, h.runner.StopIntent(ctx, "b", gen(1)))
	alarm := time.UnixMilli(1_700_000_500_000)
	require.NoError(t, h.runner.SetAlarm(ctx, "c", nil, &alarm))

	more := p.expectEvents(3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{more[0].Index, more[1].Index, more[2].Index})
	assert.Equal(t, protocol.EventActorIntent{ActorID: "a", Generation: 1, Intent: protocol.ActorIntentSleep}, more[0].Inner)
	assert.Equal(t, protocol.EventActorIntent{ActorID: "b", Generation: 1, Intent: protocol.ActorIntentStop}, more[1].Inner)
	ts := alarm.UnixMilli()
	assert.Equal(t, protocol.EventActorSetAlarm{ActorID: "c", Generation: 1, AlarmTs: &ts}, more[2].Inner)

	assert.ErrorIs(t, h.runner.SleepActor(ctx, "ghost", nil), ErrActorNotFound)
	assert.Equal(t, int64(6), h.snapshot().NextEventIdx)
}

func TestResendEventsAfterReconnect(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	var cmds []protocol.CommandWrapper
	for i := 0; i < 10; i++ {
		cmds = append(cmds, startCmd(int64(i), string(rune('a'+i)), 1))
	}
	p.send(protocol.ToClientCommands{Commands: cmds})
	p.expectEvents(10)

	h.drop(p)
	h.clk.Advance(time.Second)

	p2 := h.accept()
	init := p2.expectInit()
	require.NotNil(t, init.RunnerID)
	assert.Equal(t, "runner-1", *init.RunnerID)
	require.NotNil(t, init.LastCommandIdx)
	assert.Equal(t, int64(9), *init.LastCommandIdx)

	p2.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: 4})
	msg := p2.nextRelevant()
	batch, ok := msg.(protocol.ToServerEvents)
	require.Truef(t, ok, "expected one events batch, got %T", msg)
	require.Len(t, batch.Events, 5)
	for i, ev := range batch.Events {
		assert.Equal(t, int64(5+i), ev.Index)
	}
}

func TestDuplicateCommandsAreSkipped(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1)}})
	p.expectEvents(1)
	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1), startCmd(1, "b", 1)}})
	events := p.expectEvents(1)
	assert.Equal(t, "b", events[0].Inner.(protocol.EventActorStateUpdate).ActorID)
	assert.Equal(t, int64(1), h.snapshot().LastCommandIdx)
}

func TestGenerationGuard(t *testing.T) {
	stopped := make(chan string, 4)
	h := newHarness(t, Host{
		OnActorStop: func(_ context.Context, actorID string, generation uint32) error {
			stopped <- actorID
			return nil
		},
	}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1)}})
	p.expectEvents(1)
	assert.True(t, h.lastTunnel().isRegistered("a"))

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{stopCmd(1, "a", 2)}})
	ctx := ctxWithTimeout(t)
	require.Eventually(t, func() bool { return h.snapshot().LastCommandIdx == 1 }, waitFor, 5*time.Millisecond)
	has, err := h.runner.HasActor(ctx, "a", gen(1))
	require.NoError(t, err)
	assert.True(t, has)
	has, err = h.runner.HasActor(ctx, "a", gen(2))
	require.NoError(t, err)
	assert.False(t, has)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{stopCmd(2, "a", 1)}})
	events := p.expectEvents(1)
	assert.Equal(t, int64(1), events[0].Index)
	assert.Equal(t, protocol.EventActorStateUpdate{
		ActorID: "a", Generation: 1, State: protocol.ActorStateStopped{Code: protocol.StopCodeOk},
	}, events[0].Inner)
	assert.Equal(t, "a", <-stopped)
	assert.False(t, h.lastTunnel().isRegistered("a"))
}

func TestStartAtNewGenerationReplacesInstance(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1), startCmd(1, "a", 2)}})
	events := p.expectEvents(3)
	assert.Equal(t, protocol.ActorStateRunning{}, events[0].Inner.(protocol.EventActorStateUpdate).State)
	assert.Equal(t, protocol.EventActorStateUpdate{
		ActorID: "a", Generation: 1, State: protocol.ActorStateStopped{Code: protocol.StopCodeOk},
	}, events[1].Inner)
	assert.Equal(t, uint32(2), events[2].Inner.(protocol.EventActorStateUpdate).Generation)

	snap := h.snapshot()
	require.Len(t, snap.Actors, 1)
	assert.Equal(t, uint32(2), snap.Actors[0].Generation)
}

func TestStartFailureStopsActorWithError(t *testing.T) {
	h := newHarness(t, Host{
		OnActorStart: func(context.Context, string, uint32, protocol.ActorConfig) error {
			return errors.New("boot failed")
		},
	}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 3)}})
	events := p.expectEvents(2)
	msg := "boot failed"
	assert.Equal(t, protocol.EventActorStateUpdate{
		ActorID: "a", Generation: 3, State: protocol.ActorStateStopped{Code: protocol.StopCodeError, Message: &msg},
	}, events[1].Inner)
	assert.Empty(t, h.snapshot().Actors)
}

func TestCommandsBeforeInitAreDropped(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p := h.accept()
	p.expectInit()

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1)}})
	p.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: -1})
	h.waitState(StateConnected)

	snap := h.snapshot()
	assert.Empty(t, snap.Actors)
	assert.Equal(t, int64(-1), snap.LastCommandIdx)
	assert.Equal(t, int64(0), snap.NextEventIdx)
}

func TestAckEventsPrunesJournal(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{
		startCmd(0, "a", 1), startCmd(1, "b", 1), startCmd(2, "c", 1),
	}})
	p.expectEvents(3)
	assert.Equal(t, 3, h.snapshot().JournalSize)

	p.send(protocol.ToClientAckEvents{LastEventIdx: 1})
	require.Eventually(t, func() bool { return h.snapshot().JournalSize == 1 }, waitFor, 5*time.Millisecond)
}

func TestKVRoundTrip(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)
	ctx := ctxWithTimeout(t)

	type getResult struct {
		values [][]byte
		err    error
	}
	done := make(chan getResult, 1)
	go func() {
		v, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("x"), []byte("y"), []byte("z")})
		done <- getResult{v, err}
	}()

	req := p.expectKV()
	assert.Equal(t, "a", req.ActorID)
	assert.Equal(t, protocol.KvGetRequest{Keys: [][]byte{[]byte("x"), []byte("y"), []byte("z")}}, req.Data)
	p.send(protocol.ToClientKvResponse{RequestID: req.RequestID, Data: protocol.KvGetResponse{
		Keys:     [][]byte{[]byte("z"), []byte("x")},
		Values:   [][]byte{[]byte("3"), []byte("1")},
		Metadata: []protocol.KvMetadata{{}, {}},
	}})
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, [][]byte{[]byte("1"), nil, []byte("3")}, res.values)

	errDone := make(chan error, 1)
	go func() { errDone <- h.runner.KVDrop(ctx, "a") }()
	req = p.expectKV()
	assert.Equal(t, protocol.KvDropRequest{}, req.Data)
	p.send(protocol.ToClientKvResponse{RequestID: req.RequestID, Data: protocol.KvErrorResponse{Message: "denied"}})
	var kvErr *KVError
	require.ErrorAs(t, <-errDone, &kvErr)
	assert.Equal(t, "denied", kvErr.Message)

	go func() { errDone <- h.runner.KVDelete(ctx, "a", [][]byte{[]byte("x")}) }()
	req = p.expectKV()
	p.send(protocol.ToClientKvResponse{RequestID: req.RequestID, Data: protocol.KvPutResponse{}})
	assert.ErrorIs(t, <-errDone, ErrUnexpectedResponse)

	listDone := make(chan []KVEntry, 1)
	go func() {
		entries, err := h.runner.KVListPrefix(ctx, "a", []byte("k"), KVListOptions{Reverse: true, Limit: 2})
		assert.NoError(t, err)
		listDone <- entries
	}()
	req = p.expectKV()
	rev, limit := true, uint64(2)
	assert.Equal(t, protocol.KvListRequest{Query: protocol.KvListPrefixQuery{Key: []byte("k")}, Reverse: &rev, Limit: &limit}, req.Data)
	p.send(protocol.ToClientKvResponse{RequestID: req.RequestID, Data: protocol.KvListResponse{
		Keys:   [][]byte{[]byte("k2"), []byte("k1")},
		Values: [][]byte{[]byte("b"), []byte("a")},
	}})
	assert.Equal(t, []KVEntry{{Key: []byte("k2"), Value: []byte("b")}, {Key: []byte("k1"), Value: []byte("a")}}, <-listDone)
}

func TestKVQueuedWhileDisconnectedIsSentOnce(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)
	h.drop(p)

	ctx := ctxWithTimeout(t)
	putDone := make(chan error, 1)
	go func() {
		putDone <- h.runner.KVPut(ctx, "a", []KVEntry{{Key: []byte("k"), Value: []byte("v")}})
	}()
	require.Eventually(t, func() bool { return h.snapshot().PendingKV == 1 }, waitFor, 5*time.Millisecond)

	h.clk.Advance(time.Second)
	p2, _ := h.connect(-1, 0)
	first := p2.expectKV()
	assert.Equal(t, uint32(0), first.RequestID)

	h.drop(p2)
	h.clk.Advance(time.Second)
	p3, _ := h.connect(-1, 0)

	dropDone := make(chan error, 1)
	go func() { dropDone <- h.runner.KVDrop(ctx, "a") }()
	second := p3.expectKV()
	assert.Equal(t, uint32(1), second.RequestID, "request 0 must not be sent again")

	p3.send(protocol.ToClientKvResponse{RequestID: 0, Data: protocol.KvPutResponse{}})
	p3.send(protocol.ToClientKvResponse{RequestID: 1, Data: protocol.KvDropResponse{}})
	assert.NoError(t, <-putDone)
	assert.NoError(t, <-dropDone)
}

func TestKVTimeoutWhileDisconnected(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	attempt := h.nextAttempt()

	ctx := ctxWithTimeout(t)
	getDone := make(chan error, 1)
	go func() {
		_, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("k")})
		getDone <- err
	}()
	require.Eventually(t, func() bool { return h.snapshot().PendingKV == 1 }, waitFor, 5*time.Millisecond)

	h.clk.Advance(45 * time.Second)
	select {
	case err := <-getDone:
		assert.ErrorIs(t, err, ErrKVTimeout)
	case <-time.After(waitFor):
		t.Fatal("kv request did not time out")
	}

	runnerSide, orchestratorSide := transport.Pipe()
	attempt.reply <- dialReply{conn: runnerSide}
	p := newPeer(t, orchestratorSide)
	p.expectInit()
	p.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: -1})
	h.waitState(StateConnected)
	assert.Equal(t, 0, h.snapshot().PendingKV)
}

func TestKVCallerContextCanceled(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	h.nextAttempt()

	ctx, cancel := context.WithCancel(context.Background())
	getDone := make(chan error, 1)
	go func() {
		_, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("k")})
		getDone <- err
	}()
	require.Eventually(t, func() bool { return h.snapshot().PendingKV == 1 }, waitFor, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-getDone, context.Canceled)
	require.Eventually(t, func() bool { return h.snapshot().PendingKV == 0 }, waitFor, 5*time.Millisecond)
}

func TestKVCanceledBeforeSessionAccepts(t *testing.T) {
	disconnected := make(chan struct{})
	resume := make(chan struct{})
	h := newHarness(t, Host{
		OnDisconnected: func() {
			close(disconnected)
			<-resume
		},
	}, nil)
	p, _ := h.connect(-1, 0)

	// The session is stuck in the disconnect callback, so the call is queued
	// but never answered before the context ends.
	require.NoError(t, p.conn.Close())
	<-disconnected
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("k")})
	assert.ErrorIs(t, err, context.Canceled)

	close(resume)
	h.waitState(StateReconnecting)
	assert.Zero(t, h.snapshot().PendingKV)
}

func TestRunnerLostStopsAllActors(t *testing.T) {
	var mu sync.Mutex
	var stopped []string
	h := newHarness(t, Host{
		OnActorStop: func(_ context.Context, actorID string, _ uint32) error {
			mu.Lock()
			defer mu.Unlock()
			stopped = append(stopped, actorID)
			return nil
		},
	}, nil)
	p, _ := h.connect(-1, 5000)
	assert.Equal(t, 5*time.Second, h.snapshot().RunnerLostThreshold)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1), startCmd(1, "b", 1)}})
	p.expectEvents(2)

	h.drop(p)
	h.clk.Advance(6000 * time.Millisecond)

	require.Eventually(t, func() bool { return len(h.snapshot().Actors) == 0 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stopped) == 2
	}, waitFor, 5*time.Millisecond)

	// The stop events wait in the journal for the next connection.
	p2 := h.accept()
	p2.expectInit()
	p2.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: 1})
	events := p2.expectEvents(2)
	lost := "runner lost"
	for _, ev := range events {
		update := ev.Inner.(protocol.EventActorStateUpdate)
		assert.Equal(t, protocol.ActorStateStopped{Code: protocol.StopCodeError, Message: &lost}, update.State)
	}
}

func TestReconnectBeforeThresholdKeepsActors(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 5000)
	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 1)}})
	p.expectEvents(1)

	h.drop(p)
	h.clk.Advance(time.Second)
	h.connect(0, 5000)
	h.clk.Advance(10 * time.Second)

	assert.Len(t, h.snapshot().Actors, 1)
}

func TestBackoffGrowsAcrossFailedDials(t *testing.T) {
	h := newHarness(t, Host{}, nil)

	a := h.nextAttempt()
	a.reply <- dialReply{err: errors.New("refused")}
	h.waitState(StateReconnecting)
	assert.Equal(t, 1, h.snapshot().Attempt)

	h.clk.Advance(time.Second)
	a = h.nextAttempt()
	a.reply <- dialReply{err: errors.New("refused")}
	require.Eventually(t, func() bool {
		s := h.snapshot()
		return s.State == StateReconnecting && s.Attempt == 2
	}, waitFor, 5*time.Millisecond)

	// The second retry waits 2s.
	h.clk.Advance(time.Second)
	select {
	case <-h.dialer.attempts:
		t.Fatal("dialed before the backoff elapsed")
	case <-time.After(50 * time.Millisecond):
	}
	h.clk.Advance(time.Second)
	h.connect(-1, 0)
	assert.Equal(t, 0, h.snapshot().Attempt)
}

func TestGracefulShutdown(t *testing.T) {
	disconnected := make(chan struct{}, 1)
	h := newHarness(t, Host{OnDisconnected: func() { disconnected <- struct{}{} }}, nil)
	p, _ := h.connect(-1, 0)
	tun := h.lastTunnel()

	ctx := ctxWithTimeout(t)
	kvDone := make(chan error, 1)
	go func() {
		_, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("k")})
		kvDone <- err
	}()
	p.expectKV()

	require.NoError(t, h.runner.Shutdown(ctx, false))
	assert.IsType(t, protocol.ToServerStopping{}, p.nextRelevant())
	assert.ErrorIs(t, <-kvDone, ErrShutdown)
	<-disconnected
	assert.True(t, tun.shutdown)

	_, err := h.runner.KVGet(ctx, "a", [][]byte{[]byte("k")})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, h.runner.Shutdown(ctx, false))

	select {
	case <-h.dialer.attempts:
		t.Fatal("reconnected after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestImmediateShutdownSkipsStopping(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)

	require.NoError(t, h.runner.Shutdown(ctxWithTimeout(t), true))
	for msg := range p.in {
		_, isStopping := msg.(protocol.ToServerStopping)
		assert.False(t, isStopping)
	}
}

func TestIntentsAlarmsAndLocalStop(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, _ := h.connect(-1, 0)
	ctx := ctxWithTimeout(t)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(0, "a", 3)}})
	p.expectEvents(1)

	require.NoError(t, h.runner.SleepActor(ctx, "a", nil))
	require.NoError(t, h.runner.StopIntent(ctx, "a", gen(3)))
	alarm := time.UnixMilli(1_700_000_123_000)
	require.NoError(t, h.runner.SetAlarm(ctx, "a", nil, &alarm))
	require.NoError(t, h.runner.SetAlarm(ctx, "a", nil, nil))

	events := p.expectEvents(4)
	alarmTs := alarm.UnixMilli()
	assert.Equal(t, protocol.EventActorIntent{ActorID: "a", Generation: 3, Intent: protocol.ActorIntentSleep}, events[0].Inner)
	assert.Equal(t, protocol.EventActorIntent{ActorID: "a", Generation: 3, Intent: protocol.ActorIntentStop}, events[1].Inner)
	assert.Equal(t, protocol.EventActorSetAlarm{ActorID: "a", Generation: 3, AlarmTs: &alarmTs}, events[2].Inner)
	assert.Equal(t, protocol.EventActorSetAlarm{ActorID: "a", Generation: 3}, events[3].Inner)

	assert.ErrorIs(t, h.runner.SleepActor(ctx, "a", gen(2)), ErrActorNotFound)
	assert.ErrorIs(t, h.runner.StopIntent(ctx, "ghost", nil), ErrActorNotFound)

	require.NoError(t, h.runner.StopActor(ctx, "a", nil))
	events = p.expectEvents(1)
	assert.Equal(t, protocol.EventActorStateUpdate{
		ActorID: "a", Generation: 3, State: protocol.ActorStateStopped{Code: protocol.StopCodeOk},
	}, events[0].Inner)
	has, err := h.runner.HasActor(ctx, "a", nil)
	require.NoError(t, err)
	assert.False(t, has)
	assert.ErrorIs(t, h.runner.StopActor(ctx, "a", nil), ErrActorNotFound)
}

func TestRemoteCloseReleasesConnection(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, cc := h.acceptCounting()
	p.expectInit()
	p.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: -1})
	h.waitState(StateConnected)
	assert.Zero(t, cc.closes.Load())

	h.drop(p)
	require.Eventually(t, func() bool { return cc.closes.Load() == 1 }, waitFor, 5*time.Millisecond)
}

func TestAckCommandsEveryInterval(t *testing.T) {
	h := newHarness(t, Host{}, func(c *utils.Config) {
		c.PingInterval = time.Hour
	})
	p, _ := h.connect(-1, 0)

	// Nothing applied yet, so the first interval sends no ack.
	h.clk.Advance(utils.DefaultAckInterval)

	p.send(protocol.ToClientCommands{Commands: []protocol.CommandWrapper{startCmd(3, "a", 1)}})
	p.expectEvents(1)
	require.Eventually(t, func() bool { return h.snapshot().LastCommandIdx == 3 }, waitFor, 5*time.Millisecond)

	h.clk.Advance(utils.DefaultAckInterval)
	for {
		msg := p.next()
		if _, isPing := msg.(protocol.ToServerPing); isPing {
			continue
		}
		ack, ok := msg.(protocol.ToServerAckCommands)
		require.Truef(t, ok, "expected command ack, got %T", msg)
		assert.Equal(t, int64(3), ack.LastCommandIdx)
		break
	}
}

func TestPingsStopWhenConnectionCloses(t *testing.T) {
	h := newHarness(t, Host{}, nil)
	p, cc := h.acceptCounting()
	p.expectInit()
	p.send(protocol.ToClientInit{RunnerID: "runner-1", LastEventIdx: -1})
	h.waitState(StateConnected)

	h.clk.Advance(utils.DefaultPingInterval)
	_, isPing := p.next().(protocol.ToServerPing)
	require.True(t, isPing)

	h.drop(p)
	sent := cc.sends.Load()
	h.clk.Advance(10 * utils.DefaultPingInterval)
	h.snapshot()
	assert.Equal(t, sent, cc.sends.Load())
}
