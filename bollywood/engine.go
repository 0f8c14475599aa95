package bollywood

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the engine's logger. Tests usually silence it with
// Log.SetOutput(io.Discard).
var Log = logrus.New()

var (
	// ErrEngineStopping is returned when the engine no longer accepts work.
	ErrEngineStopping = errors.New("bollywood: engine is stopping")
	// ErrActorNotFound is returned when a PID does not belong to a live actor.
	ErrActorNotFound = errors.New("bollywood: actor not found")
	// ErrAskTimeout is returned when an Ask receives no reply in time.
	ErrAskTimeout = errors.New("bollywood: ask timed out")
)

// Engine manages the lifecycle and message dispatching for actors.
type Engine struct {
	pidCounter     uint64
	requestCounter uint64
	actors         map[string]*process
	mu             sync.RWMutex
	stopping       atomic.Bool
}

// NewEngine creates a new actor engine.
func NewEngine() *Engine {
	return &Engine{
		actors: make(map[string]*process),
	}
}

func (e *Engine) nextPID() *PID {
	id := atomic.AddUint64(&e.pidCounter, 1)
	return &PID{ID: fmt.Sprintf("actor-%d", id)}
}

// Spawn creates and starts a new actor based on the provided Props.
// It returns nil when the engine is shutting down.
func (e *Engine) Spawn(props *Props) *PID {
	if e.stopping.Load() {
		Log.Warn("engine is stopping, cannot spawn new actors")
		return nil
	}

	pid := e.nextPID()
	proc := newProcess(e, pid, props)

	e.mu.Lock()
	e.actors[pid.ID] = proc
	e.mu.Unlock()

	go proc.run()
	return pid
}

func (e *Engine) lookup(pid *PID) (*process, bool) {
	if pid == nil {
		return nil, false
	}
	e.mu.RLock()
	proc, ok := e.actors[pid.ID]
	e.mu.RUnlock()
	return proc, ok
}

// Send delivers a message to the actor identified by the PID.
// sender can be nil if the message originates from outside the actor system.
// Send blocks while the target mailbox is full and returns once the message
// is queued or the target has stopped.
func (e *Engine) Send(pid *PID, message interface{}, sender *PID) {
	if e.stopping.Load() {
		Log.WithField("actor", pid.String()).Debugf("engine stopping, dropping %T", message)
		return
	}
	proc, ok := e.lookup(pid)
	if !ok {
		Log.WithField("actor", pid.String()).Debugf("actor not found, dropping %T", message)
		return
	}
	proc.sendMessage(&messageEnvelope{Sender: sender, Message: message})
}

// Ask sends message and waits up to timeout for the actor to Reply.
func (e *Engine) Ask(pid *PID, message interface{}, timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply, err := e.AskContext(ctx, pid, message)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrAskTimeout
	}
	return reply, err
}

// AskContext is Ask bounded by a context instead of a fixed timeout.
func (e *Engine) AskContext(ctx context.Context, pid *PID, message interface{}) (interface{}, error) {
	if e.stopping.Load() {
		return nil, ErrEngineStopping
	}
	proc, ok := e.lookup(pid)
	if !ok {
		return nil, ErrActorNotFound
	}

	replyCh := make(chan interface{}, 1)
	requestID := fmt.Sprintf("req-%d", atomic.AddUint64(&e.requestCounter, 1))
	if !proc.sendMessage(&messageEnvelope{Message: message, RequestID: requestID, replyCh: replyCh}) {
		return nil, ErrActorNotFound
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-proc.stopCh:
		// A reply may have been written just before the actor stopped.
		select {
		case reply := <-replyCh:
			return reply, nil
		default:
			return nil, ErrActorNotFound
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop requests an actor to stop. The actor processes the messages already
// queued, then receives Stopping, then Stopped once its goroutine exits.
func (e *Engine) Stop(pid *PID) {
	if proc, ok := e.lookup(pid); ok {
		proc.sendMessage(&messageEnvelope{Message: Stopping{}})
	}
}

// Done returns a channel closed once the actor's goroutine has exited.
// An unknown PID yields an already closed channel.
func (e *Engine) Done(pid *PID) <-chan struct{} {
	if proc, ok := e.lookup(pid); ok {
		return proc.doneCh
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (e *Engine) remove(pid *PID) {
	e.mu.Lock()
	delete(e.actors, pid.ID)
	e.mu.Unlock()
}

// Shutdown stops all actors and waits up to timeout for them to terminate.
func (e *Engine) Shutdown(timeout time.Duration) {
	if !e.stopping.CompareAndSwap(false, true) {
		return
	}

	e.mu.RLock()
	procs := make([]*process, 0, len(e.actors))
	for _, proc := range e.actors {
		procs = append(procs, proc)
	}
	e.mu.RUnlock()

	Log.WithField("actors", len(procs)).Debug("engine shutdown initiated")
	for _, proc := range procs {
		proc.sendMessage(&messageEnvelope{Message: Stopping{}})
	}

	deadline := time.After(timeout)
	for _, proc := range procs {
		select {
		case <-proc.doneCh:
		case <-deadline:
			e.mu.RLock()
			remaining := len(e.actors)
			e.mu.RUnlock()
			Log.WithField("remaining", remaining).Warn("engine shutdown timed out")
			return
		}
	}
	Log.Debug("engine shutdown complete")
}
