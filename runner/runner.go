// Package runner connects a process to the orchestrator, hosts the actors
// the orchestrator places on it and reports their lifecycle back.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lguibr/edgerunner/bollywood"
	"github.com/lguibr/edgerunner/clock"
	"github.com/lguibr/edgerunner/protocol"
	"github.com/lguibr/edgerunner/transport"
	"github.com/lguibr/edgerunner/tunnel"
	"github.com/lguibr/edgerunner/utils"
	"github.com/sirupsen/logrus"
)

// Log is the runner's logger.
var Log = logrus.New()

// Options overrides the runner's collaborators. Zero values select the
// production implementations.
type Options struct {
	Clock  clock.Clock
	Dialer transport.Dialer
	// NewTunnel builds the tunnel for a runner ID. Returning a nil Tunnel
	// is not allowed; use DisableTunnel instead.
	NewTunnel func(runnerID string) (Tunnel, error)
	// DisableTunnel runs without a tunnel connection.
	DisableTunnel bool
}

// Runner is a connected runner agent. All methods are safe for concurrent
// use.
type Runner struct {
	cfg     utils.Config
	engine  *bollywood.Engine
	session *session
	pid     *bollywood.PID
}

// New validates cfg and prepares a runner. Nothing is dialed until Start.
func New(cfg utils.Config, host Host, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.WebSocketDialer{Timeout: 10 * time.Second}
	}
	newTunnel := opts.NewTunnel
	if opts.DisableTunnel {
		newTunnel = nil
	} else if newTunnel == nil {
		newTunnel = defaultTunnelFactory(cfg, host, opts)
	}

	engine := bollywood.NewEngine()
	s := newSession(cfg, host, opts.Clock, opts.Dialer, newTunnel, engine)
	pid := engine.Spawn(bollywood.NewProps(func() bollywood.Actor { return s }))
	if pid == nil {
		return nil, errors.New("runner: failed to spawn session")
	}
	return &Runner{cfg: cfg, engine: engine, session: s, pid: pid}, nil
}

func defaultTunnelFactory(cfg utils.Config, host Host, opts Options) func(string) (Tunnel, error) {
	return func(runnerID string) (Tunnel, error) {
		url, err := cfg.TunnelURL(runnerID)
		if err != nil {
			return nil, err
		}
		return tunnel.New(tunnel.Config{
			URL:        url,
			Fetch:      host.Fetch,
			WebSocket:  host.WebSocket,
			Dialer:     opts.Dialer,
			Clock:      opts.Clock,
			Backoff:    cfg.Backoff,
			GCInterval: cfg.TunnelGCInterval,
			AckTimeout: cfg.TunnelAckTimeout,
		}), nil
	}
}

// Start begins connecting. It returns immediately; connection progress is
// reported through Host.OnConnected and Host.OnDisconnected.
func (r *Runner) Start() {
	r.engine.Send(r.pid, connectRequest{}, nil)
}

// Shutdown stops the runner. A graceful shutdown announces Stopping to the
// orchestrator and waits, bounded by ctx, for the connection to close; an
// immediate one just closes. Outstanding KV calls fail with ErrShutdown.
// Calling Shutdown again is a no-op.
func (r *Runner) Shutdown(ctx context.Context, immediate bool) error {
	reply, err := r.engine.AskContext(ctx, r.pid, shutdownRequest{immediate: immediate})
	if errors.Is(err, bollywood.ErrActorNotFound) || errors.Is(err, bollywood.ErrEngineStopping) {
		return nil
	}
	if err != nil {
		return err
	}
	done, ok := reply.(<-chan struct{})
	if !ok {
		return fmt.Errorf("runner: unexpected shutdown reply %T", reply)
	}

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}
	r.engine.Shutdown(time.Second)
	return waitErr
}

func (r *Runner) ask(ctx context.Context, msg interface{}) (interface{}, error) {
	reply, err := r.engine.AskContext(ctx, r.pid, msg)
	if errors.Is(err, bollywood.ErrActorNotFound) || errors.Is(err, bollywood.ErrEngineStopping) {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}
	if replyErr, ok := reply.(error); ok {
		return nil, replyErr
	}
	return reply, nil
}

// SleepActor tells the orchestrator the actor wants to sleep. The actor
// keeps running until the orchestrator stops it. A nil generation matches
// any.
func (r *Runner) SleepActor(ctx context.Context, actorID string, generation *uint32) error {
	_, err := r.ask(ctx, emitIntent{actorID: actorID, generation: generation, intent: protocol.ActorIntentSleep})
	return err
}

// StopIntent asks the orchestrator to stop the actor.
func (r *Runner) StopIntent(ctx context.Context, actorID string, generation *uint32) error {
	_, err := r.ask(ctx, emitIntent{actorID: actorID, generation: generation, intent: protocol.ActorIntentStop})
	return err
}

// SetAlarm reports the actor's next wake-up time (nil clears it).
func (r *Runner) SetAlarm(ctx context.Context, actorID string, generation *uint32, alarm *time.Time) error {
	var ts *int64
	if alarm != nil {
		ms := alarm.UnixMilli()
		ts = &ms
	}
	_, err := r.ask(ctx, emitAlarm{actorID: actorID, generation: generation, alarmTs: ts})
	return err
}

// StopActor stops a hosted actor locally and reports it stopped.
func (r *Runner) StopActor(ctx context.Context, actorID string, generation *uint32) error {
	_, err := r.ask(ctx, stopActorRequest{actorID: actorID, generation: generation})
	return err
}

// HasActor reports whether the actor is hosted (at generation, if given).
func (r *Runner) HasActor(ctx context.Context, actorID string, generation *uint32) (bool, error) {
	reply, err := r.ask(ctx, hasActorRequest{actorID: actorID, generation: generation})
	if err != nil {
		return false, err
	}
	return reply.(bool), nil
}

// Snapshot returns a consistent view of the runner's state.
func (r *Runner) Snapshot(ctx context.Context) (Snapshot, error) {
	reply, err := r.ask(ctx, snapshotRequest{})
	if err != nil {
		return Snapshot{}, err
	}
	return reply.(Snapshot), nil
}

// KVEntry is a key/value pair returned by list calls or written by KVPut.
type KVEntry struct {
	Key   []byte
	Value []byte
}

// KVListOptions tunes list calls. A zero Limit means no limit.
type KVListOptions struct {
	Reverse bool
	Limit   uint64
}

func (o KVListOptions) request(q protocol.KvListQuery) protocol.KvListRequest {
	req := protocol.KvListRequest{Query: q}
	if o.Reverse {
		rev := true
		req.Reverse = &rev
	}
	if o.Limit > 0 {
		limit := o.Limit
		req.Limit = &limit
	}
	return req
}

// kv issues a request and waits for its response.
func (r *Runner) kv(ctx context.Context, actorID string, data protocol.KvRequestData) (protocol.KvResponseData, error) {
	result := make(chan kvResult, 1)
	if _, err := r.ask(ctx, kvCall{actorID: actorID, data: data, result: result}); err != nil {
		// The call may already sit in the mailbox.
		if ctx.Err() != nil {
			r.engine.Send(r.pid, kvAbandon{result: result}, nil)
		}
		return nil, err
	}
	select {
	case res := <-result:
		return res.data, res.err
	case <-ctx.Done():
		r.engine.Send(r.pid, kvAbandon{result: result}, nil)
		return nil, ctx.Err()
	}
}

// KVGet fetches keys. The result is aligned with keys; missing keys yield
// nil.
func (r *Runner) KVGet(ctx context.Context, actorID string, keys [][]byte) ([][]byte, error) {
	resp, err := r.kv(ctx, actorID, protocol.KvGetRequest{Keys: keys})
	if err != nil {
		return nil, err
	}
	get, ok := resp.(protocol.KvGetResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T for get", ErrUnexpectedResponse, resp)
	}
	found := make(map[string][]byte, len(get.Keys))
	for i, k := range get.Keys {
		if i < len(get.Values) {
			found[string(k)] = get.Values[i]
		}
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = found[string(k)]
	}
	return out, nil
}

// KVListAll lists every key of the actor.
func (r *Runner) KVListAll(ctx context.Context, actorID string, opts KVListOptions) ([]KVEntry, error) {
	return r.kvList(ctx, actorID, opts.request(protocol.KvListAllQuery{}))
}

// KVListRange lists keys between start and end; exclusive leaves end out.
func (r *Runner) KVListRange(ctx context.Context, actorID string, start, end []byte, exclusive bool, opts KVListOptions) ([]KVEntry, error) {
	return r.kvList(ctx, actorID, opts.request(protocol.KvListRangeQuery{Start: start, End: end, Exclusive: exclusive}))
}

// KVListPrefix lists keys starting with prefix.
func (r *Runner) KVListPrefix(ctx context.Context, actorID string, prefix []byte, opts KVListOptions) ([]KVEntry, error) {
	return r.kvList(ctx, actorID, opts.request(protocol.KvListPrefixQuery{Key: prefix}))
}

func (r *Runner) kvList(ctx context.Context, actorID string, req protocol.KvListRequest) ([]KVEntry, error) {
	resp, err := r.kv(ctx, actorID, req)
	if err != nil {
		return nil, err
	}
	list, ok := resp.(protocol.KvListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T for list", ErrUnexpectedResponse, resp)
	}
	if len(list.Keys) != len(list.Values) {
		return nil, fmt.Errorf("%w: %d keys but %d values", ErrUnexpectedResponse, len(list.Keys), len(list.Values))
	}
	out := make([]KVEntry, len(list.Keys))
	for i := range list.Keys {
		out[i] = KVEntry{Key: list.Keys[i], Value: list.Values[i]}
	}
	return out, nil
}

// KVPut writes entries.
func (r *Runner) KVPut(ctx context.Context, actorID string, entries []KVEntry) error {
	req := protocol.KvPutRequest{
		Keys:   make([][]byte, len(entries)),
		Values: make([][]byte, len(entries)),
	}
	for i, e := range entries {
		req.Keys[i] = e.Key
		req.Values[i] = e.Value
	}
	resp, err := r.kv(ctx, actorID, req)
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.KvPutResponse); !ok {
		return fmt.Errorf("%w: %T for put", ErrUnexpectedResponse, resp)
	}
	return nil
}

// KVDelete removes keys.
func (r *Runner) KVDelete(ctx context.Context, actorID string, keys [][]byte) error {
	resp, err := r.kv(ctx, actorID, protocol.KvDeleteRequest{Keys: keys})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.KvDeleteResponse); !ok {
		return fmt.Errorf("%w: %T for delete", ErrUnexpectedResponse, resp)
	}
	return nil
}

// KVDrop removes every key of the actor.
func (r *Runner) KVDrop(ctx context.Context, actorID string) error {
	resp, err := r.kv(ctx, actorID, protocol.KvDropRequest{})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.KvDropResponse); !ok {
		return fmt.Errorf("%w: %T for drop", ErrUnexpectedResponse, resp)
	}
	return nil
}

// ActorInfo describes a hosted actor in a Snapshot.
type ActorInfo struct {
	ActorID    string
	Generation uint32
	Name       string
	StartedAt  time.Time
}

// Snapshot is a point-in-time view of the runner.
type Snapshot struct {
	State               SessionState
	RunnerID            string
	Attempt             int
	LastCommandIdx      int64
	NextEventIdx        int64
	JournalSize         int
	PendingKV           int
	RunnerLostThreshold time.Duration
	Actors              []ActorInfo
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		State:               s.state,
		RunnerID:            s.runnerID,
		Attempt:             s.attempt,
		LastCommandIdx:      s.lastCommandIdx,
		NextEventIdx:        s.journal.next,
		JournalSize:         s.journal.len(),
		PendingKV:           s.kv.len(),
		RunnerLostThreshold: s.runnerLostThreshold,
	}
	for _, inst := range s.actors.sorted() {
		snap.Actors = append(snap.Actors, ActorInfo{
			ActorID:    inst.ActorID,
			Generation: inst.Generation,
			Name:       inst.Config.Name,
			StartedAt:  inst.StartedAt,
		})
	}
	return snap
}
