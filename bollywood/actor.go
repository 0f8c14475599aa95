package bollywood

// Actor is the interface that defines actor behavior.
// Actors process messages sequentially received from their mailbox.
type Actor interface {
	// Receive processes incoming messages. The actor can use the context
	// to interact with the system (self PID, sender PID, replies).
	Receive(ctx Context)
}

// Producer is a function that creates a new instance of an Actor.
type Producer func() Actor

// Props is a configuration object used to create actors.
type Props struct {
	producer    Producer
	mailboxSize int
}

// NewProps creates a new Props object with the given actor producer.
func NewProps(producer Producer) *Props {
	if producer == nil {
		panic("bollywood: producer cannot be nil")
	}
	return &Props{
		producer:    producer,
		mailboxSize: defaultMailboxSize,
	}
}

// WithMailboxSize overrides the mailbox capacity. Senders block once the
// mailbox is full until the actor catches up or stops.
func (p *Props) WithMailboxSize(size int) *Props {
	if size > 0 {
		p.mailboxSize = size
	}
	return p
}

// Produce creates a new actor instance using the configured producer.
func (p *Props) Produce() Actor {
	return p.producer()
}

// PID (Process ID) represents a unique reference to an actor instance.
type PID struct {
	ID string
}

// String returns the string representation of the PID.
func (pid *PID) String() string {
	if pid == nil {
		return "<nil>"
	}
	return pid.ID
}

// Started is sent to an actor after its goroutine has started.
type Started struct{}

// Stopping is sent to an actor to signal it should prepare to stop.
// No more user messages will be delivered after Stopping.
type Stopping struct{}

// Stopped is sent to an actor just before its goroutine exits.
// This is the final message an actor will receive.
type Stopped struct{}

// messageEnvelope wraps a user message with sender and reply information.
type messageEnvelope struct {
	Sender    *PID
	Message   interface{}
	RequestID string
	replyCh   chan interface{}
}
