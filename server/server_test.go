package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lguibr/edgerunner/bollywood"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/runner"
	"github.com/lguibr/edgerunner/tunnel"
	"github.com/lguibr/edgerunner/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Log.SetOutput(io.Discard)
	runner.Log.SetOutput(io.Discard)
	tunnel.Log.SetOutput(io.Discard)
	bollywood.Log.SetOutput(io.Discard)
}

const waitFor = 5 * time.Second

type hostRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (h *hostRecorder) host() runner.Host {
	return runner.Host{
		OnActorStart: func(_ context.Context, actorID string, _ uint32, _ protocol.ActorConfig) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.started = append(h.started, actorID)
			return nil
		},
		OnActorStop: func(_ context.Context, actorID string, _ uint32) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.stopped = append(h.stopped, actorID)
			return nil
		},
		Fetch: func(_ context.Context, actorID string, req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			reply := actorID + ":" + req.URL.Path + ":" + string(body)
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(reply))}, nil
		},
		WebSocket: func(ctx context.Context, _ string, ws *tunnel.WebSocket, _ *http.Request) error {
			for {
				msg, err := ws.ReadMessage(ctx)
				if err != nil {
					return nil
				}
				if err := ws.WriteMessage(msg.Data, msg.Binary); err != nil {
					return nil
				}
			}
		},
	}
}

func (h *hostRecorder) stoppedActors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stopped...)
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	runner *runner.Runner
	host   *hostRecorder
	key    string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	srv := New(cfg)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	rc := utils.DefaultConfig()
	rc.Endpoint = httpSrv.URL
	rc.RunnerKey = "key-" + t.Name()
	rc.Backoff = utils.BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}

	rec := &hostRecorder{}
	r, err := runner.New(rc, rec.host(), runner.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Shutdown(ctx, true)
	})
	r.Start()

	f := &fixture{srv: srv, http: httpSrv, runner: r, host: rec, key: rc.RunnerKey}
	require.True(t, srv.Wait(waitFor, func(v View) bool { return v.Connected(f.key) }), "runner never connected")
	return f
}

func (f *fixture) startActor(t *testing.T, actorID string) {
	t.Helper()
	before := len(f.srv.Events(f.key))
	require.NoError(t, f.srv.StartActor(f.key, actorID, 1, protocol.ActorConfig{Name: "echo", CreateTs: 1}))
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return v.EventCount(f.key) > before }), "no running event")
}

func (f *fixture) tunnel(t *testing.T) *TunnelConn {
	t.Helper()
	runnerID, err := f.srv.RunnerID(f.key)
	require.NoError(t, err)
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return v.Tunnel(runnerID) }), "tunnel never connected")
	tc, err := f.srv.Tunnel(runnerID)
	require.NoError(t, err)
	return tc
}

func ctxWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestRunnerHostsActorsEndToEnd(t *testing.T) {
	f := newFixture(t, Config{RunnerLostThreshold: 5 * time.Second, AckEvents: true})

	init, err := f.srv.LastInit(f.key)
	require.NoError(t, err)
	assert.Equal(t, "default", init.Name)
	assert.Nil(t, init.RunnerID)

	f.startActor(t, "a")
	events := f.srv.Events(f.key)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventActorStateUpdate{ActorID: "a", Generation: 1, State: protocol.ActorStateRunning{}}, events[0].Inner)

	snap, err := f.runner.Snapshot(ctxWithTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, runner.StateConnected, snap.State)
	assert.Equal(t, 5*time.Second, snap.RunnerLostThreshold)
	require.Eventually(t, func() bool {
		s, err := f.runner.Snapshot(ctxWithTimeout(t))
		return err == nil && s.JournalSize == 0
	}, waitFor, 10*time.Millisecond, "acknowledged events stay in the journal")

	require.NoError(t, f.srv.StopActor(f.key, "a", 1))
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return v.EventCount(f.key) == 2 }))
	require.Eventually(t, func() bool { return len(f.host.stoppedActors()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestFetchThroughTunnel(t *testing.T) {
	f := newFixture(t, Config{})
	f.startActor(t, "a")
	tc := f.tunnel(t)
	ctx := ctxWithTimeout(t)

	resp, err := tc.Request(ctx, "a", "POST", "/hello", nil, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, uint16(200), resp.Status)
	assert.Equal(t, "a:/hello:body", string(resp.Body))
	assert.Equal(t, "13", resp.Headers["content-length"])

	resp, err = tc.Request(ctx, "ghost", "GET", "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(404), resp.Status)
}

func TestWebSocketThroughTunnel(t *testing.T) {
	f := newFixture(t, Config{})
	f.startActor(t, "a")
	tc := f.tunnel(t)
	ctx := ctxWithTimeout(t)

	ws, err := tc.OpenWebSocket(ctx, "a", "/ws")
	require.NoError(t, err)
	require.NoError(t, ws.Send([]byte("hi"), true))
	msg, err := ws.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), msg.Data)
	assert.True(t, msg.Binary)

	require.NoError(t, f.srv.StopActor(f.key, "a", 1))
	_, err = ws.Receive(ctx)
	var closeErr *CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	require.NotNil(t, closeErr.Code)
	assert.Equal(t, uint16(1000), *closeErr.Code)
	assert.Equal(t, "Actor stopped", *closeErr.Reason)

	_, err = tc.OpenWebSocket(ctx, "a", "/ws")
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, uint16(1011), *closeErr.Code)
}

func TestKVThroughServer(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := ctxWithTimeout(t)
	r := f.runner

	require.NoError(t, r.KVPut(ctx, "a", []runner.KVEntry{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
		{Key: []byte("other"), Value: []byte("v3")},
	}))

	values, err := r.KVGet(ctx, "a", [][]byte{[]byte("k2"), []byte("missing"), []byte("k1")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v2"), nil, []byte("v1")}, values)

	entries, err := r.KVListPrefix(ctx, "a", []byte("k"), runner.KVListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []runner.KVEntry{{Key: []byte("k1"), Value: []byte("v1")}, {Key: []byte("k2"), Value: []byte("v2")}}, entries)

	entries, err = r.KVListAll(ctx, "a", runner.KVListOptions{Reverse: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "other", string(entries[0].Key))

	require.NoError(t, r.KVDelete(ctx, "a", [][]byte{[]byte("k1")}))
	entries, err = r.KVListRange(ctx, "a", []byte("k1"), []byte("k2"), true, runner.KVListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, r.KVDrop(ctx, "a"))
	entries, err = r.KVListAll(ctx, "a", runner.KVListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReconnectResumesSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.startActor(t, "a")
	runnerID, err := f.srv.RunnerID(f.key)
	require.NoError(t, err)

	f.srv.Disconnect(f.key)
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return v.Connected(f.key) }))
	require.Eventually(t, func() bool { return f.srv.Connections(f.key) == 2 }, waitFor, 10*time.Millisecond)

	init, err := f.srv.LastInit(f.key)
	require.NoError(t, err)
	require.NotNil(t, init.RunnerID)
	assert.Equal(t, runnerID, *init.RunnerID)
	require.NotNil(t, init.LastCommandIdx)
	assert.Equal(t, int64(0), *init.LastCommandIdx)

	f.startActor(t, "b")
	events := f.srv.Events(f.key)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[1].Index)
}

func TestGracefulShutdownAnnouncesStopping(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.runner.Shutdown(ctxWithTimeout(t), false))
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return v.Stopping(f.key) }))
	require.True(t, f.srv.Wait(waitFor, func(v View) bool { return !v.Connected(f.key) }))
}

func TestPingsReachServer(t *testing.T) {
	f := newFixture(t, Config{})
	require.Eventually(t, func() bool { return f.srv.Pings(f.key) > 0 }, waitFor, 20*time.Millisecond)
}
