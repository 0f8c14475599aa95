package server

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/lguibr/edgerunner/protocol"
)

type kvValue struct {
	value    []byte
	version  uint64
	createTs int64
}

// KVStore is an in-memory per-actor key/value store answering runner KV
// requests.
type KVStore struct {
	mu     sync.Mutex
	actors map[string]map[string]kvValue
	now    func() time.Time
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{actors: make(map[string]map[string]kvValue), now: time.Now}
}

// Handle executes one request for actorID.
func (s *KVStore) Handle(actorID string, req protocol.KvRequestData) protocol.KvResponseData {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.actors[actorID]
	switch r := req.(type) {
	case protocol.KvGetRequest:
		resp := protocol.KvGetResponse{Keys: [][]byte{}, Values: [][]byte{}, Metadata: []protocol.KvMetadata{}}
		for _, k := range r.Keys {
			if v, ok := data[string(k)]; ok {
				resp.Keys = append(resp.Keys, k)
				resp.Values = append(resp.Values, v.value)
				resp.Metadata = append(resp.Metadata, v.metadata())
			}
		}
		return resp

	case protocol.KvListRequest:
		keys := s.matching(data, r.Query)
		if r.Reverse != nil && *r.Reverse {
			for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
		if r.Limit != nil && uint64(len(keys)) > *r.Limit {
			keys = keys[:*r.Limit]
		}
		resp := protocol.KvListResponse{Keys: [][]byte{}, Values: [][]byte{}, Metadata: []protocol.KvMetadata{}}
		for _, k := range keys {
			v := data[k]
			resp.Keys = append(resp.Keys, []byte(k))
			resp.Values = append(resp.Values, v.value)
			resp.Metadata = append(resp.Metadata, v.metadata())
		}
		return resp

	case protocol.KvPutRequest:
		if len(r.Keys) != len(r.Values) {
			return protocol.KvErrorResponse{Message: "keys and values differ in length"}
		}
		if data == nil {
			data = make(map[string]kvValue)
			s.actors[actorID] = data
		}
		for i, k := range r.Keys {
			prev, existed := data[string(k)]
			v := kvValue{value: r.Values[i], version: 1, createTs: s.now().UnixMilli()}
			if existed {
				v.version = prev.version + 1
				v.createTs = prev.createTs
			}
			data[string(k)] = v
		}
		return protocol.KvPutResponse{}

	case protocol.KvDeleteRequest:
		for _, k := range r.Keys {
			delete(data, string(k))
		}
		return protocol.KvDeleteResponse{}

	case protocol.KvDropRequest:
		delete(s.actors, actorID)
		return protocol.KvDropResponse{}

	default:
		return protocol.KvErrorResponse{Message: "unsupported request"}
	}
}

// matching returns the keys selected by q in ascending order.
func (s *KVStore) matching(data map[string]kvValue, q protocol.KvListQuery) []string {
	var keys []string
	for k := range data {
		kb := []byte(k)
		switch query := q.(type) {
		case protocol.KvListAllQuery:
		case protocol.KvListPrefixQuery:
			if !bytes.HasPrefix(kb, query.Key) {
				continue
			}
		case protocol.KvListRangeQuery:
			if bytes.Compare(kb, query.Start) < 0 {
				continue
			}
			c := bytes.Compare(kb, query.End)
			if c > 0 || (c == 0 && query.Exclusive) {
				continue
			}
		default:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v kvValue) metadata() protocol.KvMetadata {
	version := make([]byte, 8)
	binary.LittleEndian.PutUint64(version, v.version)
	return protocol.KvMetadata{Version: version, CreateTs: v.createTs}
}
