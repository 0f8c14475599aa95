package runner

import (
	"context"
	"sort"
	"time"

	"github.com/lguibr/edgerunner/protocol"
)

// ActorInstance is an actor the runner is hosting.
type ActorInstance struct {
	ActorID    string
	Generation uint32
	Config     protocol.ActorConfig
	StartedAt  time.Time

	cancel context.CancelFunc
}

// actorTable holds at most one instance per actor ID.
type actorTable struct {
	byID map[string]*ActorInstance
}

func newActorTable() *actorTable {
	return &actorTable{byID: make(map[string]*ActorInstance)}
}

// get returns the instance for actorID. A non-nil generation must match.
func (t *actorTable) get(actorID string, generation *uint32) *ActorInstance {
	inst, ok := t.byID[actorID]
	if !ok {
		return nil
	}
	if generation != nil && inst.Generation != *generation {
		return nil
	}
	return inst
}

func (t *actorTable) insert(inst *ActorInstance) {
	t.byID[inst.ActorID] = inst
}

func (t *actorTable) remove(actorID string) {
	delete(t.byID, actorID)
}

func (t *actorTable) len() int { return len(t.byID) }

// sorted returns every instance ordered by actor ID.
func (t *actorTable) sorted() []*ActorInstance {
	out := make([]*ActorInstance, 0, len(t.byID))
	for _, inst := range t.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}
