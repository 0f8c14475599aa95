package protocol

// StopCode tells the orchestrator why an actor stopped.
type StopCode uint8

const (
	StopCodeOk StopCode = iota
	StopCodeError
)

func (c StopCode) String() string {
	switch c {
	case StopCodeOk:
		return "ok"
	case StopCodeError:
		return "error"
	default:
		return "unknown"
	}
}

// ActorIntent is a runner-side proposal about an actor's future.
type ActorIntent uint8

const (
	ActorIntentSleep ActorIntent = iota
	ActorIntentStop
)

func (i ActorIntent) String() string {
	switch i {
	case ActorIntentSleep:
		return "sleep"
	case ActorIntentStop:
		return "stop"
	default:
		return "unknown"
	}
}

// ActorState is one of ActorStateRunning or ActorStateStopped.
type ActorState interface{ isActorState() }

type ActorStateRunning struct{}

type ActorStateStopped struct {
	Code    StopCode
	Message *string
}

func (ActorStateRunning) isActorState() {}
func (ActorStateStopped) isActorState() {}

// Event is one of EventActorIntent, EventActorStateUpdate or
// EventActorSetAlarm.
type Event interface{ isEvent() }

type EventActorIntent struct {
	ActorID    string
	Generation uint32
	Intent     ActorIntent
}

type EventActorStateUpdate struct {
	ActorID    string
	Generation uint32
	State      ActorState
}

type EventActorSetAlarm struct {
	ActorID    string
	Generation uint32
	AlarmTs    *int64
}

func (EventActorIntent) isEvent()      {}
func (EventActorStateUpdate) isEvent() {}
func (EventActorSetAlarm) isEvent()    {}

// EventWrapper carries the runner-assigned event index.
type EventWrapper struct {
	Index int64
	Inner Event
}

// ActorConfig is the orchestrator's description of an actor to start.
type ActorConfig struct {
	Name     string
	Key      *string
	CreateTs int64
	Input    []byte
}

// Command is one of CommandStartActor or CommandStopActor.
type Command interface{ isCommand() }

type CommandStartActor struct {
	ActorID    string
	Generation uint32
	Config     ActorConfig
}

type CommandStopActor struct {
	ActorID    string
	Generation uint32
}

func (CommandStartActor) isCommand() {}
func (CommandStopActor) isCommand()  {}

// CommandWrapper carries the orchestrator-assigned command index.
type CommandWrapper struct {
	Index int64
	Inner Command
}

// ActorName advertises an actor name the runner can host. Metadata is a
// JSON document.
type ActorName struct {
	Metadata string
}

// RunnerAddress is a host/port pair the runner listens on.
type RunnerAddress struct {
	Hostname string
	Port     uint16
}

type KvMetadata struct {
	Version  []byte
	CreateTs int64
}

// KvListQuery is one of KvListAllQuery, KvListRangeQuery or
// KvListPrefixQuery.
type KvListQuery interface{ isKvListQuery() }

type KvListAllQuery struct{}

type KvListRangeQuery struct {
	Start     []byte
	End       []byte
	Exclusive bool
}

type KvListPrefixQuery struct {
	Key []byte
}

func (KvListAllQuery) isKvListQuery()    {}
func (KvListRangeQuery) isKvListQuery()  {}
func (KvListPrefixQuery) isKvListQuery() {}

// KvRequestData is the body of a KV request.
type KvRequestData interface{ isKvRequestData() }

type KvGetRequest struct {
	Keys [][]byte
}

type KvListRequest struct {
	Query   KvListQuery
	Reverse *bool
	Limit   *uint64
}

type KvPutRequest struct {
	Keys   [][]byte
	Values [][]byte
}

type KvDeleteRequest struct {
	Keys [][]byte
}

type KvDropRequest struct{}

func (KvGetRequest) isKvRequestData()    {}
func (KvListRequest) isKvRequestData()   {}
func (KvPutRequest) isKvRequestData()    {}
func (KvDeleteRequest) isKvRequestData() {}
func (KvDropRequest) isKvRequestData()   {}

// KvResponseData is the body of a KV response.
type KvResponseData interface{ isKvResponseData() }

type KvErrorResponse struct {
	Message string
}

type KvGetResponse struct {
	Keys     [][]byte
	Values   [][]byte
	Metadata []KvMetadata
}

type KvListResponse struct {
	Keys     [][]byte
	Values   [][]byte
	Metadata []KvMetadata
}

type KvPutResponse struct{}
type KvDeleteResponse struct{}
type KvDropResponse struct{}

func (KvErrorResponse) isKvResponseData()  {}
func (KvGetResponse) isKvResponseData()    {}
func (KvListResponse) isKvResponseData()   {}
func (KvPutResponse) isKvResponseData()    {}
func (KvDeleteResponse) isKvResponseData() {}
func (KvDropResponse) isKvResponseData()   {}

// ToServer is a message from the runner to the orchestrator.
type ToServer interface{ isToServer() }

// ToServerInit opens (or resumes) a session. Nil maps and pointers are
// encoded as absent optionals.
type ToServerInit struct {
	RunnerID              *string
	Name                  string
	Key                   string
	Version               uint32
	TotalSlots            uint32
	AddressesHTTP         map[string]RunnerAddress
	AddressesTCP          map[string]RunnerAddress
	AddressesUDP          map[string]RunnerAddress
	LastCommandIdx        *int64
	PrepopulateActorNames map[string]ActorName
	Metadata              *string
}

type ToServerEvents struct {
	Events []EventWrapper
}

type ToServerAckCommands struct {
	LastCommandIdx int64
}

type ToServerStopping struct{}

type ToServerPing struct {
	Ts int64
}

type ToServerKvRequest struct {
	ActorID   string
	RequestID uint32
	Data      KvRequestData
}

func (ToServerInit) isToServer()        {}
func (ToServerEvents) isToServer()      {}
func (ToServerAckCommands) isToServer() {}
func (ToServerStopping) isToServer()    {}
func (ToServerPing) isToServer()        {}
func (ToServerKvRequest) isToServer()   {}

// ToClient is a message from the orchestrator to the runner.
type ToClient interface{ isToClient() }

type ProtocolMetadata struct {
	// RunnerLostThreshold is in milliseconds; zero disables self-stop.
	RunnerLostThreshold int64
}

type ToClientInit struct {
	RunnerID     string
	LastEventIdx int64
	Metadata     ProtocolMetadata
}

type ToClientCommands struct {
	Commands []CommandWrapper
}

type ToClientAckEvents struct {
	LastEventIdx int64
}

type ToClientKvResponse struct {
	RequestID uint32
	Data      KvResponseData
}

func (ToClientInit) isToClient()       {}
func (ToClientCommands) isToClient()   {}
func (ToClientAckEvents) isToClient()  {}
func (ToClientKvResponse) isToClient() {}
