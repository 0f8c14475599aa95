package runner

import (
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
)

// Messages handled by the session actor. Everything that touches session
// state arrives as one of these, so handlers never run concurrently.

type connectRequest struct{}

type reconnectFired struct{ seq uint64 }

type dialResult struct {
	connID uint64
	conn   transport.Conn
	err    error
}

type frameReceived struct {
	connID uint64
	msg    protocol.ToClient
	err    error
}

type connClosed struct {
	connID uint64
	err    error
}

type pingTick struct{ connID uint64 }

type ackTick struct{ connID uint64 }

type pruneTick struct{}

type kvSweepTick struct{}

type runnerLostFired struct{ seq uint64 }

type actorStartFailed struct {
	actorID    string
	generation uint32
	err        error
}

type kvCall struct {
	actorID string
	data    protocol.KvRequestData
	result  chan kvResult
}

type kvAbandon struct{ result chan kvResult }

type emitIntent struct {
	actorID    string
	generation *uint32
	intent     protocol.ActorIntent
}

type emitAlarm struct {
	actorID    string
	generation *uint32
	alarmTs    *int64
}

type stopActorRequest struct {
	actorID    string
	generation *uint32
}

type hasActorRequest struct {
	actorID    string
	generation *uint32
}

type snapshotRequest struct{}

type shutdownRequest struct{ immediate bool }
