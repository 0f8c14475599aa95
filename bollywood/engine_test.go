package bollywood

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Log.SetOutput(io.Discard)
}

type recordingActor struct {
	mu       sync.Mutex
	received []interface{}
}

func (a *recordingActor) Receive(ctx Context) {
	a.mu.Lock()
	a.received = append(a.received, ctx.Message())
	a.mu.Unlock()

	switch msg := ctx.Message().(type) {
	case string:
		if ctx.RequestID() != "" {
			ctx.Reply("echo:" + msg)
		}
	case int:
		panic("boom")
	}
}

func (a *recordingActor) messages() []interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]interface{}, len(a.received))
	copy(out, a.received)
	return out
}

func TestEngineDeliversInOrder(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	actor := &recordingActor{}
	pid := engine.Spawn(NewProps(func() Actor { return actor }))
	require.NotNil(t, pid)

	for i := 0; i < 5; i++ {
		engine.Send(pid, struct{ N int }{i}, nil)
	}
	_, err := engine.Ask(pid, "sync", time.Second)
	require.NoError(t, err)

	msgs := actor.messages()
	require.Len(t, msgs, 7)
	assert.Equal(t, Started{}, msgs[0])
	for i := 0; i < 5; i++ {
		assert.Equal(t, struct{ N int }{i}, msgs[i+1])
	}
}

func TestEngineAskReply(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	pid := engine.Spawn(NewProps(func() Actor { return &recordingActor{} }))
	reply, err := engine.Ask(pid, "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", reply)
}

func TestEngineAskTimeout(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	pid := engine.Spawn(NewProps(func() Actor { return &recordingActor{} }))
	_, err := engine.Ask(pid, struct{}{}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrAskTimeout)
}

func TestEngineAskUnknownActor(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	_, err := engine.Ask(&PID{ID: "missing"}, "hi", time.Second)
	assert.ErrorIs(t, err, ErrActorNotFound)
}

func TestEngineStopDeliversLifecycle(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	actor := &recordingActor{}
	pid := engine.Spawn(NewProps(func() Actor { return actor }))
	engine.Send(pid, "before", nil)
	engine.Stop(pid)

	select {
	case <-engine.Done(pid):
	case <-time.After(time.Second):
		t.Fatal("actor did not stop")
	}

	msgs := actor.messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, Started{}, msgs[0])
	assert.Equal(t, "before", msgs[1])
	assert.Equal(t, Stopping{}, msgs[2])
	assert.Equal(t, Stopped{}, msgs[3])

	engine.Send(pid, "after", nil)
	assert.Len(t, actor.messages(), 4)
}

func TestEnginePanicStopsActor(t *testing.T) {
	engine := NewEngine()
	defer engine.Shutdown(time.Second)

	actor := &recordingActor{}
	pid := engine.Spawn(NewProps(func() Actor { return actor }))
	engine.Send(pid, 42, nil)

	select {
	case <-engine.Done(pid):
	case <-time.After(time.Second):
		t.Fatal("panicking actor did not stop")
	}
	msgs := actor.messages()
	assert.Equal(t, Stopped{}, msgs[len(msgs)-1])
}

func TestEngineShutdownRejectsWork(t *testing.T) {
	engine := NewEngine()
	pid := engine.Spawn(NewProps(func() Actor { return &recordingActor{} }))
	engine.Shutdown(time.Second)

	assert.Nil(t, engine.Spawn(NewProps(func() Actor { return &recordingActor{} })))
	_, err := engine.Ask(pid, "hi", time.Second)
	assert.ErrorIs(t, err, ErrEngineStopping)
}
