package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/lguibr/edgerunner/protocol"
)

// actorBaseURL prefixes tunnelled paths so they parse as absolute URLs.
const actorBaseURL = "http://actor"

type pendingRequest struct {
	requestID []byte
	actorID   string
	cancel    context.CancelFunc
	body      *bodyStream
}

func (r *pendingRequest) abort() {
	r.cancel()
	if r.body != nil {
		r.body.fail(errAborted)
	}
}

func (t *Tunnel) handleRequestStart(requestID []byte, m protocol.TunnelRequestStart) {
	t.mu.Lock()
	_, registered := t.actors[m.ActorID]
	t.mu.Unlock()

	if !registered {
		t.respondText(requestID, http.StatusNotFound, "Actor not found")
		return
	}
	if t.cfg.Fetch == nil {
		t.respondText(requestID, http.StatusNotImplemented, "Fetch handler not implemented")
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	pending := &pendingRequest{requestID: requestID, actorID: m.ActorID, cancel: cancel}
	var body io.Reader = bytes.NewReader(m.Body)
	if m.Stream {
		pending.body = newBodyStream()
		if len(m.Body) > 0 {
			pending.body.push(m.Body)
		}
		body = pending.body
	}

	req, err := newActorRequest(ctx, m.Method, m.Path, m.Headers, body)
	if err != nil {
		cancel()
		t.log.WithError(err).WithField("actor", m.ActorID).Warn("bad tunnelled request")
		t.respondText(requestID, http.StatusBadRequest, err.Error())
		return
	}

	t.mu.Lock()
	t.requests[string(requestID)] = pending
	t.mu.Unlock()

	go t.serveRequest(ctx, pending, req)
}

func (t *Tunnel) serveRequest(ctx context.Context, pending *pendingRequest, req *http.Request) {
	defer pending.cancel()

	resp, err := t.cfg.Fetch(ctx, pending.actorID, req)
	var start protocol.TunnelResponseStart
	if err != nil {
		t.log.WithError(err).WithField("actor", pending.actorID).Warn("fetch handler failed")
		start = textResponse(http.StatusInternalServerError, "Internal Server Error")
	} else {
		start, err = encodeResponse(resp)
		if err != nil {
			t.log.WithError(err).WithField("actor", pending.actorID).Warn("reading fetch response")
			start = textResponse(http.StatusInternalServerError, "Internal Server Error")
		}
	}

	// Torn down meanwhile: the gateway has been told already.
	if !t.finishRequest(pending) {
		return
	}
	t.send(pending.requestID, start)
}

// finishRequest removes pending if it is still current.
func (t *Tunnel) finishRequest(pending *pendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requests[string(pending.requestID)] != pending {
		return false
	}
	delete(t.requests, string(pending.requestID))
	return true
}

func (t *Tunnel) handleRequestChunk(requestID []byte, m protocol.TunnelRequestChunk) {
	t.mu.Lock()
	pending := t.requests[string(requestID)]
	t.mu.Unlock()
	if pending == nil || pending.body == nil {
		t.log.Debug("chunk for unknown or non-streaming request")
		return
	}
	pending.body.push(m.Body)
	if m.Finish {
		pending.body.finish()
	}
}

func (t *Tunnel) handleRequestAbort(requestID []byte) {
	t.mu.Lock()
	pending := t.requests[string(requestID)]
	delete(t.requests, string(requestID))
	t.mu.Unlock()
	if pending != nil {
		pending.abort()
	}
}

func (t *Tunnel) respondText(requestID []byte, status int, text string) {
	t.send(requestID, textResponse(status, text))
}

func textResponse(status int, text string) protocol.TunnelResponseStart {
	return protocol.TunnelResponseStart{
		Status: uint16(status),
		Headers: map[string]string{
			"content-type":   "text/plain; charset=utf-8",
			"content-length": strconv.Itoa(len(text)),
		},
		Body: []byte(text),
	}
}

func newActorRequest(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, actorBaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, path, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// encodeResponse buffers resp into a single ResponseStart.
func encodeResponse(resp *http.Response) (protocol.TunnelResponseStart, error) {
	var body []byte
	if resp.Body != nil {
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return protocol.TunnelResponseStart{}, err
		}
		body = b
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	headers := flattenHeader(resp.Header)
	headers["content-length"] = strconv.Itoa(len(body))
	return protocol.TunnelResponseStart{Status: uint16(status), Headers: headers, Body: body}, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, vs := range h {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}

// bodyStream is the body of a streaming request. Chunks are queued without
// blocking the tunnel's read loop and handed to the handler in order.
type bodyStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	done   bool
	err    error
}

func newBodyStream() *bodyStream {
	b := &bodyStream{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bodyStream) push(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.chunks = append(b.chunks, p)
	b.cond.Broadcast()
}

func (b *bodyStream) finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.cond.Broadcast()
}

func (b *bodyStream) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.done = true
	b.chunks = nil
	b.cond.Broadcast()
}

func (b *bodyStream) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.chunks) == 0 && !b.done {
		b.cond.Wait()
	}
	if b.err != nil {
		return 0, b.err
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	return n, nil
}

func (b *bodyStream) Close() error {
	b.fail(io.ErrClosedPipe)
	return nil
}
