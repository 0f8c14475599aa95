package bollywood

// Context provides information and capabilities to an Actor during message processing.
type Context interface {
	// Engine returns the Actor Engine managing this actor.
	Engine() *Engine
	// Self returns the PID of the actor processing the message.
	Self() *PID
	// Sender returns the PID of the actor that sent the message, if available.
	Sender() *PID
	// Message returns the actual message being processed.
	Message() interface{}
	// RequestID is non-empty when the message was delivered through Ask.
	RequestID() string
	// Reply answers an Ask. Only the first reply is delivered; replies to
	// plain Send messages are dropped.
	Reply(response interface{})
}

type actorContext struct {
	engine    *Engine
	self      *PID
	sender    *PID
	message   interface{}
	requestID string
	replyCh   chan interface{}
}

func (c *actorContext) Engine() *Engine      { return c.engine }
func (c *actorContext) Self() *PID           { return c.self }
func (c *actorContext) Sender() *PID         { return c.sender }
func (c *actorContext) Message() interface{} { return c.message }
func (c *actorContext) RequestID() string    { return c.requestID }

func (c *actorContext) Reply(response interface{}) {
	if c.replyCh == nil {
		return
	}
	select {
	case c.replyCh <- response:
	default:
		Log.WithField("actor", c.self.String()).Warn("dropping duplicate reply")
	}
}
