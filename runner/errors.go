package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is returned by calls made after, or interrupted by, Shutdown.
	ErrShutdown = errors.New("runner: connection closed during shutdown")
	// ErrKVTimeout is returned when a KV request is not answered in time.
	ErrKVTimeout = errors.New("runner: kv request timed out")
	// ErrActorNotFound is returned for operations on an actor the runner
	// does not host (or hosts at another generation).
	ErrActorNotFound = errors.New("runner: actor not found")
	// ErrUnexpectedResponse is returned when a KV response does not match
	// the kind of request it answers.
	ErrUnexpectedResponse = errors.New("runner: unexpected kv response")
)

// KVError is an error reported by the orchestrator for a KV request.
type KVError struct {
	Message string
}

func (e *KVError) Error() string {
	return fmt.Sprintf("runner: kv error: %s", e.Message)
}
