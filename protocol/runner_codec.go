package protocol

const (
	tagActorStateRunning uint8 = iota
	tagActorStateStopped
)

const (
	tagEventActorIntent uint8 = iota
	tagEventActorStateUpdate
	tagEventActorSetAlarm
)

const (
	tagCommandStartActor uint8 = iota
	tagCommandStopActor
)

const (
	tagKvListAll uint8 = iota
	tagKvListRange
	tagKvListPrefix
)

const (
	tagKvGetRequest uint8 = iota
	tagKvListRequest
	tagKvPutRequest
	tagKvDeleteRequest
	tagKvDropRequest
)

const (
	tagKvErrorResponse uint8 = iota
	tagKvGetResponse
	tagKvListResponse
	tagKvPutResponse
	tagKvDeleteResponse
	tagKvDropResponse
)

const (
	tagToServerInit uint8 = iota
	tagToServerEvents
	tagToServerAckCommands
	tagToServerStopping
	tagToServerPing
	tagToServerKvRequest
)

const (
	tagToClientInit uint8 = iota
	tagToClientCommands
	tagToClientAckEvents
	tagToClientKvResponse
)

// EncodeToServer serialises a runner-to-orchestrator message.
func EncodeToServer(msg ToServer) ([]byte, error) {
	w := &writer{}
	writeToServer(w, msg)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// DecodeToServer parses a runner-to-orchestrator message. The whole buffer
// must be consumed.
func DecodeToServer(b []byte) (ToServer, error) {
	r := &reader{buf: b}
	msg := readToServer(r)
	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeToClient serialises an orchestrator-to-runner message.
func EncodeToClient(msg ToClient) ([]byte, error) {
	w := &writer{}
	writeToClient(w, msg)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// DecodeToClient parses an orchestrator-to-runner message. The whole buffer
// must be consumed.
func DecodeToClient(b []byte) (ToClient, error) {
	r := &reader{buf: b}
	msg := readToClient(r)
	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func writeToServer(w *writer, msg ToServer) {
	switch m := msg.(type) {
	case ToServerInit:
		w.u8(tagToServerInit)
		w.optStr(m.RunnerID)
		w.str(m.Name)
		w.str(m.Key)
		w.u32(m.Version)
		w.u32(m.TotalSlots)
		writeAddresses(w, m.AddressesHTTP)
		writeAddresses(w, m.AddressesTCP)
		writeAddresses(w, m.AddressesUDP)
		w.optI64(m.LastCommandIdx)
		w.bool(m.PrepopulateActorNames != nil)
		if m.PrepopulateActorNames != nil {
			keys := sortedKeys(m.PrepopulateActorNames)
			w.uint(uint64(len(keys)))
			for _, k := range keys {
				w.str(k)
				w.str(m.PrepopulateActorNames[k].Metadata)
			}
		}
		w.optStr(m.Metadata)
	case ToServerEvents:
		w.u8(tagToServerEvents)
		w.uint(uint64(len(m.Events)))
		for _, ev := range m.Events {
			writeEventWrapper(w, ev)
		}
	case ToServerAckCommands:
		w.u8(tagToServerAckCommands)
		w.i64(m.LastCommandIdx)
	case ToServerStopping:
		w.u8(tagToServerStopping)
	case ToServerPing:
		w.u8(tagToServerPing)
		w.i64(m.Ts)
	case ToServerKvRequest:
		w.u8(tagToServerKvRequest)
		w.str(m.ActorID)
		w.u32(m.RequestID)
		writeKvRequestData(w, m.Data)
	default:
		w.fail("ToServer", msg)
	}
}

func readToServer(r *reader) ToServer {
	switch r.tag() {
	case tagToServerInit:
		m := ToServerInit{
			RunnerID:   r.optStr(),
			Name:       r.str(),
			Key:        r.str(),
			Version:    r.u32(),
			TotalSlots: r.u32(),
		}
		m.AddressesHTTP = readAddresses(r)
		m.AddressesTCP = readAddresses(r)
		m.AddressesUDP = readAddresses(r)
		m.LastCommandIdx = r.optI64()
		if r.bool() {
			n := r.length()
			m.PrepopulateActorNames = make(map[string]ActorName, n)
			for i := 0; i < n && r.err == nil; i++ {
				start := r.off
				k := r.str()
				if _, dup := m.PrepopulateActorNames[k]; dup && r.err == nil {
					r.off = start
					r.fail(ErrDuplicateKey)
					break
				}
				m.PrepopulateActorNames[k] = ActorName{Metadata: r.str()}
			}
		}
		m.Metadata = r.optStr()
		return m
	case tagToServerEvents:
		n := r.length()
		m := ToServerEvents{}
		for i := 0; i < n && r.err == nil; i++ {
			m.Events = append(m.Events, readEventWrapper(r))
		}
		return m
	case tagToServerAckCommands:
		return ToServerAckCommands{LastCommandIdx: r.i64()}
	case tagToServerStopping:
		return ToServerStopping{}
	case tagToServerPing:
		return ToServerPing{Ts: r.i64()}
	case tagToServerKvRequest:
		return ToServerKvRequest{
			ActorID:   r.str(),
			RequestID: r.u32(),
			Data:      readKvRequestData(r),
		}
	default:
		r.badTag()
		return nil
	}
}

func writeToClient(w *writer, msg ToClient) {
	switch m := msg.(type) {
	case ToClientInit:
		w.u8(tagToClientInit)
		w.str(m.RunnerID)
		w.i64(m.LastEventIdx)
		w.i64(m.Metadata.RunnerLostThreshold)
	case ToClientCommands:
		w.u8(tagToClientCommands)
		w.uint(uint64(len(m.Commands)))
		for _, c := range m.Commands {
			w.i64(c.Index)
			writeCommand(w, c.Inner)
		}
	case ToClientAckEvents:
		w.u8(tagToClientAckEvents)
		w.i64(m.LastEventIdx)
	case ToClientKvResponse:
		w.u8(tagToClientKvResponse)
		w.u32(m.RequestID)
		writeKvResponseData(w, m.Data)
	default:
		w.fail("ToClient", msg)
	}
}

func readToClient(r *reader) ToClient {
	switch r.tag() {
	case tagToClientInit:
		return ToClientInit{
			RunnerID:     r.str(),
			LastEventIdx: r.i64(),
			Metadata:     ProtocolMetadata{RunnerLostThreshold: r.i64()},
		}
	case tagToClientCommands:
		n := r.length()
		m := ToClientCommands{}
		for i := 0; i < n && r.err == nil; i++ {
			idx := r.i64()
			m.Commands = append(m.Commands, CommandWrapper{Index: idx, Inner: readCommand(r)})
		}
		return m
	case tagToClientAckEvents:
		return ToClientAckEvents{LastEventIdx: r.i64()}
	case tagToClientKvResponse:
		return ToClientKvResponse{
			RequestID: r.u32(),
			Data:      readKvResponseData(r),
		}
	default:
		r.badTag()
		return nil
	}
}

func writeAddresses(w *writer, m map[string]RunnerAddress) {
	w.bool(m != nil)
	if m == nil {
		return
	}
	keys := sortedKeys(m)
	w.uint(uint64(len(keys)))
	for _, k := range keys {
		w.str(k)
		w.str(m[k].Hostname)
		w.u16(m[k].Port)
	}
}

func readAddresses(r *reader) map[string]RunnerAddress {
	if !r.bool() {
		return nil
	}
	n := r.length()
	m := make(map[string]RunnerAddress, n)
	for i := 0; i < n && r.err == nil; i++ {
		start := r.off
		k := r.str()
		if _, dup := m[k]; dup && r.err == nil {
			r.off = start
			r.fail(ErrDuplicateKey)
			return nil
		}
		m[k] = RunnerAddress{Hostname: r.str(), Port: r.u16()}
	}
	return m
}

func writeEventWrapper(w *writer, ev EventWrapper) {
	w.i64(ev.Index)
	switch e := ev.Inner.(type) {
	case EventActorIntent:
		w.u8(tagEventActorIntent)
		w.str(e.ActorID)
		w.u32(e.Generation)
		w.u8(uint8(e.Intent))
	case EventActorStateUpdate:
		w.u8(tagEventActorStateUpdate)
		w.str(e.ActorID)
		w.u32(e.Generation)
		writeActorState(w, e.State)
	case EventActorSetAlarm:
		w.u8(tagEventActorSetAlarm)
		w.str(e.ActorID)
		w.u32(e.Generation)
		w.optI64(e.AlarmTs)
	default:
		w.fail("Event", ev.Inner)
	}
}

func readEventWrapper(r *reader) EventWrapper {
	ev := EventWrapper{Index: r.i64()}
	switch r.tag() {
	case tagEventActorIntent:
		e := EventActorIntent{ActorID: r.str(), Generation: r.u32()}
		switch intent := r.tag(); ActorIntent(intent) {
		case ActorIntentSleep, ActorIntentStop:
			e.Intent = ActorIntent(intent)
		default:
			r.badTag()
		}
		ev.Inner = e
	case tagEventActorStateUpdate:
		ev.Inner = EventActorStateUpdate{
			ActorID:    r.str(),
			Generation: r.u32(),
			State:      readActorState(r),
		}
	case tagEventActorSetAlarm:
		ev.Inner = EventActorSetAlarm{
			ActorID:    r.str(),
			Generation: r.u32(),
			AlarmTs:    r.optI64(),
		}
	default:
		r.badTag()
	}
	return ev
}

func writeActorState(w *writer, s ActorState) {
	switch st := s.(type) {
	case ActorStateRunning:
		w.u8(tagActorStateRunning)
	case ActorStateStopped:
		w.u8(tagActorStateStopped)
		w.u8(uint8(st.Code))
		w.optStr(st.Message)
	default:
		w.fail("ActorState", s)
	}
}

func readActorState(r *reader) ActorState {
	switch r.tag() {
	case tagActorStateRunning:
		return ActorStateRunning{}
	case tagActorStateStopped:
		st := ActorStateStopped{}
		switch code := r.tag(); StopCode(code) {
		case StopCodeOk, StopCodeError:
			st.Code = StopCode(code)
		default:
			r.badTag()
		}
		st.Message = r.optStr()
		return st
	default:
		r.badTag()
		return nil
	}
}

func writeCommand(w *writer, c Command) {
	switch cmd := c.(type) {
	case CommandStartActor:
		w.u8(tagCommandStartActor)
		w.str(cmd.ActorID)
		w.u32(cmd.Generation)
		w.str(cmd.Config.Name)
		w.optStr(cmd.Config.Key)
		w.i64(cmd.Config.CreateTs)
		w.optData(cmd.Config.Input)
	case CommandStopActor:
		w.u8(tagCommandStopActor)
		w.str(cmd.ActorID)
		w.u32(cmd.Generation)
	default:
		w.fail("Command", c)
	}
}

func readCommand(r *reader) Command {
	switch r.tag() {
	case tagCommandStartActor:
		return CommandStartActor{
			ActorID:    r.str(),
			Generation: r.u32(),
			Config: ActorConfig{
				Name:     r.str(),
				Key:      r.optStr(),
				CreateTs: r.i64(),
				Input:    r.optData(),
			},
		}
	case tagCommandStopActor:
		return CommandStopActor{ActorID: r.str(), Generation: r.u32()}
	default:
		r.badTag()
		return nil
	}
}

func writeKvRequestData(w *writer, d KvRequestData) {
	switch req := d.(type) {
	case KvGetRequest:
		w.u8(tagKvGetRequest)
		w.dataList(req.Keys)
	case KvListRequest:
		w.u8(tagKvListRequest)
		writeKvListQuery(w, req.Query)
		w.optBool(req.Reverse)
		w.optU64(req.Limit)
	case KvPutRequest:
		w.u8(tagKvPutRequest)
		w.dataList(req.Keys)
		w.dataList(req.Values)
	case KvDeleteRequest:
		w.u8(tagKvDeleteRequest)
		w.dataList(req.Keys)
	case KvDropRequest:
		w.u8(tagKvDropRequest)
	default:
		w.fail("KvRequestData", d)
	}
}

func readKvRequestData(r *reader) KvRequestData {
	switch r.tag() {
	case tagKvGetRequest:
		return KvGetRequest{Keys: r.dataList()}
	case tagKvListRequest:
		return KvListRequest{
			Query:   readKvListQuery(r),
			Reverse: r.optBool(),
			Limit:   r.optU64(),
		}
	case tagKvPutRequest:
		return KvPutRequest{Keys: r.dataList(), Values: r.dataList()}
	case tagKvDeleteRequest:
		return KvDeleteRequest{Keys: r.dataList()}
	case tagKvDropRequest:
		return KvDropRequest{}
	default:
		r.badTag()
		return nil
	}
}

func writeKvListQuery(w *writer, q KvListQuery) {
	switch query := q.(type) {
	case KvListAllQuery:
		w.u8(tagKvListAll)
	case KvListRangeQuery:
		w.u8(tagKvListRange)
		w.data(query.Start)
		w.data(query.End)
		w.bool(query.Exclusive)
	case KvListPrefixQuery:
		w.u8(tagKvListPrefix)
		w.data(query.Key)
	default:
		w.fail("KvListQuery", q)
	}
}

func readKvListQuery(r *reader) KvListQuery {
	switch r.tag() {
	case tagKvListAll:
		return KvListAllQuery{}
	case tagKvListRange:
		return KvListRangeQuery{Start: r.data(), End: r.data(), Exclusive: r.bool()}
	case tagKvListPrefix:
		return KvListPrefixQuery{Key: r.data()}
	default:
		r.badTag()
		return nil
	}
}

func writeKvResponseData(w *writer, d KvResponseData) {
	switch resp := d.(type) {
	case KvErrorResponse:
		w.u8(tagKvErrorResponse)
		w.str(resp.Message)
	case KvGetResponse:
		w.u8(tagKvGetResponse)
		writeKvValues(w, resp.Keys, resp.Values, resp.Metadata)
	case KvListResponse:
		w.u8(tagKvListResponse)
		writeKvValues(w, resp.Keys, resp.Values, resp.Metadata)
	case KvPutResponse:
		w.u8(tagKvPutResponse)
	case KvDeleteResponse:
		w.u8(tagKvDeleteResponse)
	case KvDropResponse:
		w.u8(tagKvDropResponse)
	default:
		w.fail("KvResponseData", d)
	}
}

func readKvResponseData(r *reader) KvResponseData {
	switch r.tag() {
	case tagKvErrorResponse:
		return KvErrorResponse{Message: r.str()}
	case tagKvGetResponse:
		keys, values, meta := readKvValues(r)
		return KvGetResponse{Keys: keys, Values: values, Metadata: meta}
	case tagKvListResponse:
		keys, values, meta := readKvValues(r)
		return KvListResponse{Keys: keys, Values: values, Metadata: meta}
	case tagKvPutResponse:
		return KvPutResponse{}
	case tagKvDeleteResponse:
		return KvDeleteResponse{}
	case tagKvDropResponse:
		return KvDropResponse{}
	default:
		r.badTag()
		return nil
	}
}

func writeKvValues(w *writer, keys, values [][]byte, meta []KvMetadata) {
	w.dataList(keys)
	w.dataList(values)
	w.uint(uint64(len(meta)))
	for _, m := range meta {
		w.data(m.Version)
		w.i64(m.CreateTs)
	}
}

func readKvValues(r *reader) (keys, values [][]byte, meta []KvMetadata) {
	keys = r.dataList()
	values = r.dataList()
	n := r.length()
	for i := 0; i < n && r.err == nil; i++ {
		meta = append(meta, KvMetadata{Version: r.data(), CreateTs: r.i64()})
	}
	return keys, values, meta
}
