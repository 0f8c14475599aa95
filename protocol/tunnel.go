package protocol

// TunnelMessage is one frame on the tunnel websocket. RequestID groups every
// message of one HTTP exchange or websocket; MessageID is unique per frame
// and echoed back by the peer's Ack.
type TunnelMessage struct {
	RequestID []byte
	MessageID []byte
	Kind      TunnelKind
}

// TunnelKind is the payload of a TunnelMessage.
type TunnelKind interface{ isTunnelKind() }

// TunnelAck acknowledges the frame carrying the same MessageID.
type TunnelAck struct{}

type TunnelRequestStart struct {
	ActorID string
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
	// Stream means the body continues in TunnelRequestChunk frames.
	Stream bool
}

type TunnelRequestChunk struct {
	Body   []byte
	Finish bool
}

type TunnelRequestAbort struct{}

type TunnelResponseStart struct {
	Status  uint16
	Headers map[string]string
	Body    []byte
	Stream  bool
}

type TunnelResponseChunk struct {
	Body   []byte
	Finish bool
}

type TunnelResponseAbort struct{}

type TunnelWebSocketOpen struct {
	ActorID string
	Path    string
	Headers map[string]string
}

// TunnelWebSocketOpened confirms that the runner accepted a websocket.
type TunnelWebSocketOpened struct{}

type TunnelWebSocketMessage struct {
	Data   []byte
	Binary bool
}

type TunnelWebSocketClose struct {
	Code   *uint16
	Reason *string
}

func (TunnelAck) isTunnelKind()              {}
func (TunnelRequestStart) isTunnelKind()     {}
func (TunnelRequestChunk) isTunnelKind()     {}
func (TunnelRequestAbort) isTunnelKind()     {}
func (TunnelResponseStart) isTunnelKind()    {}
func (TunnelResponseChunk) isTunnelKind()    {}
func (TunnelResponseAbort) isTunnelKind()    {}
func (TunnelWebSocketOpen) isTunnelKind()    {}
func (TunnelWebSocketOpened) isTunnelKind()  {}
func (TunnelWebSocketMessage) isTunnelKind() {}
func (TunnelWebSocketClose) isTunnelKind()   {}

const (
	tagTunnelAck uint8 = iota
	tagTunnelRequestStart
	tagTunnelRequestChunk
	tagTunnelRequestAbort
	tagTunnelResponseStart
	tagTunnelResponseChunk
	tagTunnelResponseAbort
	tagTunnelWebSocketOpen
	tagTunnelWebSocketOpened
	tagTunnelWebSocketMessage
	tagTunnelWebSocketClose
)

// EncodeTunnelMessage serialises a tunnel frame.
func EncodeTunnelMessage(msg TunnelMessage) ([]byte, error) {
	w := &writer{}
	w.data(msg.RequestID)
	w.data(msg.MessageID)
	switch k := msg.Kind.(type) {
	case TunnelAck:
		w.u8(tagTunnelAck)
	case TunnelRequestStart:
		w.u8(tagTunnelRequestStart)
		w.str(k.ActorID)
		w.str(k.Method)
		w.str(k.Path)
		w.strMap(k.Headers)
		w.optData(k.Body)
		w.bool(k.Stream)
	case TunnelRequestChunk:
		w.u8(tagTunnelRequestChunk)
		w.data(k.Body)
		w.bool(k.Finish)
	case TunnelRequestAbort:
		w.u8(tagTunnelRequestAbort)
	case TunnelResponseStart:
		w.u8(tagTunnelResponseStart)
		w.u16(k.Status)
		w.strMap(k.Headers)
		w.optData(k.Body)
		w.bool(k.Stream)
	case TunnelResponseChunk:
		w.u8(tagTunnelResponseChunk)
		w.data(k.Body)
		w.bool(k.Finish)
	case TunnelResponseAbort:
		w.u8(tagTunnelResponseAbort)
	case TunnelWebSocketOpen:
		w.u8(tagTunnelWebSocketOpen)
		w.str(k.ActorID)
		w.str(k.Path)
		w.strMap(k.Headers)
	case TunnelWebSocketOpened:
		w.u8(tagTunnelWebSocketOpened)
	case TunnelWebSocketMessage:
		w.u8(tagTunnelWebSocketMessage)
		w.data(k.Data)
		w.bool(k.Binary)
	case TunnelWebSocketClose:
		w.u8(tagTunnelWebSocketClose)
		w.optU16(k.Code)
		w.optStr(k.Reason)
	default:
		w.fail("TunnelKind", msg.Kind)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// DecodeTunnelMessage parses a tunnel frame. The whole buffer must be
// consumed.
func DecodeTunnelMessage(b []byte) (TunnelMessage, error) {
	r := &reader{buf: b}
	msg := TunnelMessage{RequestID: r.data(), MessageID: r.data()}
	switch r.tag() {
	case tagTunnelAck:
		msg.Kind = TunnelAck{}
	case tagTunnelRequestStart:
		msg.Kind = TunnelRequestStart{
			ActorID: r.str(),
			Method:  r.str(),
			Path:    r.str(),
			Headers: r.strMap(),
			Body:    r.optData(),
			Stream:  r.bool(),
		}
	case tagTunnelRequestChunk:
		msg.Kind = TunnelRequestChunk{Body: r.data(), Finish: r.bool()}
	case tagTunnelRequestAbort:
		msg.Kind = TunnelRequestAbort{}
	case tagTunnelResponseStart:
		msg.Kind = TunnelResponseStart{
			Status:  r.u16(),
			Headers: r.strMap(),
			Body:    r.optData(),
			Stream:  r.bool(),
		}
	case tagTunnelResponseChunk:
		msg.Kind = TunnelResponseChunk{Body: r.data(), Finish: r.bool()}
	case tagTunnelResponseAbort:
		msg.Kind = TunnelResponseAbort{}
	case tagTunnelWebSocketOpen:
		msg.Kind = TunnelWebSocketOpen{
			ActorID: r.str(),
			Path:    r.str(),
			Headers: r.strMap(),
		}
	case tagTunnelWebSocketOpened:
		msg.Kind = TunnelWebSocketOpened{}
	case tagTunnelWebSocketMessage:
		msg.Kind = TunnelWebSocketMessage{Data: r.data(), Binary: r.bool()}
	case tagTunnelWebSocketClose:
		msg.Kind = TunnelWebSocketClose{Code: r.optU16(), Reason: r.optStr()}
	default:
		r.badTag()
	}
	if err := r.finish(); err != nil {
		return TunnelMessage{}, err
	}
	return msg, nil
}
