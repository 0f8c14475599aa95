package runner

import (
	"context"

	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/tunnel"
)

// Host is the application side of a runner. Every field is optional.
//
// OnConnected and OnDisconnected run on the session goroutine and must not
// block or call back into the Runner. OnActorStart and OnActorStop run on
// their own goroutines.
type Host struct {
	OnConnected    func()
	OnDisconnected func()

	// OnActorStart is called after the actor is registered and reported
	// running. ctx is canceled when the actor stops. A non-nil error stops
	// the actor with an error stop code.
	OnActorStart func(ctx context.Context, actorID string, generation uint32, config protocol.ActorConfig) error
	// OnActorStop is called after the actor was removed and reported
	// stopped. Errors are logged.
	OnActorStop func(ctx context.Context, actorID string, generation uint32) error

	// Fetch and WebSocket serve traffic tunnelled to hosted actors.
	Fetch     tunnel.FetchFunc
	WebSocket tunnel.WebSocketFunc
}

// Tunnel is the part of the tunnel the session drives.
type Tunnel interface {
	Start()
	Shutdown()
	RegisterActor(actorID string)
	UnregisterActor(actorID string)
}
