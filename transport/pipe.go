package transport

import (
	"io"
	"sync"
)

const pipeBuffer = 256

// Pipe returns two connected in-memory Conns. Closing either end closes
// both; frames already queued can still be received.
func Pipe() (Conn, Conn) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeConn{state: shared, in: ba, out: ab}, &pipeConn{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	state *pipeState
	in    chan []byte
	out   chan []byte
}

func (p *pipeConn) Send(frame []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *pipeConn) Receive() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
