package runner

import (
	"sort"
	"time"

	"github.com/lguibr/edgerunner/protocol"
)

type kvResult struct {
	data protocol.KvResponseData
	err  error
}

type kvEntry struct {
	requestID uint32
	actorID   string
	data      protocol.KvRequestData
	result    chan kvResult
	sent      bool
	createdAt time.Time
	sentAt    time.Time
}

// kvMux tracks KV requests from the moment they are issued until they are
// answered, expired or rejected. Request IDs come from a counter that lives
// as long as the runner.
type kvMux struct {
	entries map[uint32]*kvEntry
	nextID  uint32
}

func newKVMux() *kvMux {
	return &kvMux{entries: make(map[uint32]*kvEntry)}
}

func (m *kvMux) add(actorID string, data protocol.KvRequestData, result chan kvResult, now time.Time) *kvEntry {
	id := m.nextID
	for {
		if _, busy := m.entries[id]; !busy {
			break
		}
		id++
	}
	m.nextID = id + 1

	e := &kvEntry{
		requestID: id,
		actorID:   actorID,
		data:      data,
		result:    result,
		createdAt: now,
	}
	m.entries[id] = e
	return e
}

func (e *kvEntry) request() protocol.ToServerKvRequest {
	return protocol.ToServerKvRequest{ActorID: e.actorID, RequestID: e.requestID, Data: e.data}
}

func (e *kvEntry) markSent(now time.Time) {
	e.sent = true
	e.sentAt = now
}

// unsent returns entries never handed to a live connection, by request ID.
func (m *kvMux) unsent() []*kvEntry {
	var out []*kvEntry
	for _, e := range m.entries {
		if !e.sent {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].requestID < out[j].requestID })
	return out
}

// resolve completes a request. It reports false for unknown IDs.
func (m *kvMux) resolve(requestID uint32, data protocol.KvResponseData) bool {
	e, ok := m.entries[requestID]
	if !ok {
		return false
	}
	delete(m.entries, requestID)
	if errResp, isErr := data.(protocol.KvErrorResponse); isErr {
		e.result <- kvResult{err: &KVError{Message: errResp.Message}}
		return true
	}
	e.result <- kvResult{data: data}
	return true
}

// expire rejects unsent entries created before cutoff and sent entries
// still unanswered since before cutoff.
func (m *kvMux) expire(cutoff time.Time) int {
	n := 0
	for id, e := range m.entries {
		stamp := e.createdAt
		if e.sent {
			stamp = e.sentAt
		}
		if stamp.Before(cutoff) {
			delete(m.entries, id)
			e.result <- kvResult{err: ErrKVTimeout}
			n++
		}
	}
	return n
}

// abandon forgets the entry owning result, used when its caller gave up.
func (m *kvMux) abandon(result chan kvResult) {
	for id, e := range m.entries {
		if e.result == result {
			delete(m.entries, id)
			return
		}
	}
}

func (m *kvMux) rejectAll(err error) {
	for id, e := range m.entries {
		delete(m.entries, id)
		e.result <- kvResult{err: err}
	}
}

func (m *kvMux) len() int { return len(m.entries) }
