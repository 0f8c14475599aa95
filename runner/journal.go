package runner

import (
	"time"

	"github.com/lguibr/edgerunner/protocol"
)

type journalEntry struct {
	event     protocol.EventWrapper
	emittedAt time.Time
}

// journal assigns event indices and keeps emitted events for resend after a
// reconnect. Entries are kept in index order.
type journal struct {
	entries []journalEntry
	next    int64
}

func (j *journal) append(ev protocol.Event, now time.Time) protocol.EventWrapper {
	w := protocol.EventWrapper{Index: j.next, Inner: ev}
	j.next++
	j.entries = append(j.entries, journalEntry{event: w, emittedAt: now})
	return w
}

// since returns retained events with an index strictly greater than
// lastEventIdx.
func (j *journal) since(lastEventIdx int64) []protocol.EventWrapper {
	var out []protocol.EventWrapper
	for _, e := range j.entries {
		if e.event.Index > lastEventIdx {
			out = append(out, e.event)
		}
	}
	return out
}

// prune drops entries emitted before cutoff and returns how many went.
func (j *journal) prune(cutoff time.Time) int {
	kept := j.entries[:0]
	for _, e := range j.entries {
		if !e.emittedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	dropped := len(j.entries) - len(kept)
	clearTail(j.entries, len(kept))
	j.entries = kept
	return dropped
}

// acknowledge drops entries the orchestrator confirmed, up to and including
// lastEventIdx.
func (j *journal) acknowledge(lastEventIdx int64) int {
	n := 0
	for n < len(j.entries) && j.entries[n].event.Index <= lastEventIdx {
		n++
	}
	j.entries = append(j.entries[:0], j.entries[n:]...)
	return n
}

func (j *journal) len() int { return len(j.entries) }

func clearTail(entries []journalEntry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = journalEntry{}
	}
}
