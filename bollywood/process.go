package bollywood

import (
	"fmt"
	"runtime/debug"
	"sync"
)

const defaultMailboxSize = 1024

// process is the running instance of an actor: its mailbox and loop.
type process struct {
	engine   *Engine
	pid      *PID
	actor    Actor
	mailbox  chan *messageEnvelope
	props    *Props
	stopCh   chan struct{} // closed once no more messages will be processed
	doneCh   chan struct{} // closed when the goroutine exits
	stopOnce sync.Once
}

func newProcess(engine *Engine, pid *PID, props *Props) *process {
	size := props.mailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	return &process{
		engine:  engine,
		pid:     pid,
		props:   props,
		mailbox: make(chan *messageEnvelope, size),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// sendMessage queues an envelope, blocking while the mailbox is full.
// It reports false when the actor stopped before the message was queued.
func (p *process) sendMessage(envelope *messageEnvelope) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.mailbox <- envelope:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *process) markStopped() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *process) run() {
	defer close(p.doneCh)
	defer p.engine.remove(p.pid)
	defer p.markStopped()

	p.actor = p.props.Produce()
	if p.actor == nil {
		Log.WithField("actor", p.pid.String()).Error("producer returned nil actor")
		return
	}

	if !p.invokeReceive(&messageEnvelope{Message: Started{}}) {
		p.invokeReceive(&messageEnvelope{Message: Stopping{}})
		p.invokeReceive(&messageEnvelope{Message: Stopped{}})
		return
	}

	for envelope := range p.mailbox {
		if _, ok := envelope.Message.(Stopping); ok {
			p.markStopped()
			p.invokeReceive(envelope)
			p.invokeReceive(&messageEnvelope{Message: Stopped{}})
			return
		}
		if !p.invokeReceive(envelope) {
			p.markStopped()
			p.invokeReceive(&messageEnvelope{Message: Stopping{}})
			p.invokeReceive(&messageEnvelope{Message: Stopped{}})
			return
		}
	}
}

// invokeReceive calls the actor's Receive method and reports false when it
// panicked. A panicking actor is stopped.
func (p *process) invokeReceive(envelope *messageEnvelope) (ok bool) {
	ctx := &actorContext{
		engine:    p.engine,
		self:      p.pid,
		sender:    envelope.Sender,
		message:   envelope.Message,
		requestID: envelope.RequestID,
		replyCh:   envelope.replyCh,
	}

	defer func() {
		if r := recover(); r != nil {
			Log.WithField("actor", p.pid.String()).
				Errorf("panic during Receive(%T): %v\n%s", envelope.Message, r, string(debug.Stack()))
			if envelope.replyCh != nil {
				ctx.Reply(fmt.Errorf("actor %s panicked: %v", p.pid, r))
			}
			ok = false
		}
	}()
	p.actor.Receive(ctx)
	return true
}
