package wsserver

import (
	"encoding/json"
	"runtime"

	"github.com/wsmesh/wsmesh/internal/msgcache"
	"github.com/wsmesh/wsmesh/internal/peer"
)

// jsonRaw wraps already-serialized JSON bytes so passing it back
// through peer.Emit's json.Marshal round-trips it verbatim, matching
// encoding/json.RawMessage's MarshalJSON contract.
type jsonRaw = json.RawMessage

func marshalEventData(data interface{}) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

const (
	minBatchSize = 50
	maxBatchSize = 200
)

func clampBatchSize(count int) int {
	size := count / 20
	if size < minBatchSize {
		size = minBatchSize
	}
	if size > maxBatchSize {
		size = maxBatchSize
	}
	return size
}

// fanOutRoom implements the member-count rules of spec.md §4.7:
// 0 members -> no-op, 1 -> direct emit, 2-100 with a cache -> marshal
// the event data once and emit it to each, >100 -> dynamic batch size with
// cooperative yielding between batches so one huge room does not
// monopolize the fan-out goroutine.
func (s *Server) fanOutRoom(room, event string, data interface{}, exceptPeerID string) {
	members := s.rooms.Members(room)
	s.deliverToMembers(members, event, data, exceptPeerID)
}

// fanOutAll implements the same batching rules as fanOutRoom but over
// every connected peer (spec.md §4.11 broadcast).
func (s *Server) fanOutAll(event string, data interface{}, exceptPeerID string) {
	s.peersMu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.RUnlock()
	s.deliverToMembers(ids, event, data, exceptPeerID)
}

func (s *Server) deliverToMembers(ids []string, event string, data interface{}, exceptPeerID string) {
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == exceptPeerID {
			continue
		}
		targets = append(targets, id)
	}
	count := len(targets)
	switch {
	case count == 0:
		return
	case count == 1:
		s.emitTo(targets[0], event, data)
	case count <= 100 && s.cache != nil:
		s.emitCached(targets, event, data)
	default:
		s.emitBatched(targets, event, data)
	}
}

func (s *Server) emitTo(peerID, event string, data interface{}) {
	s.peersMu.RLock()
	p, ok := s.peers[peerID]
	s.peersMu.RUnlock()
	if !ok {
		return
	}
	s.sendToPeer(p, event, data)
}

// emitCached marshals the event data once for the whole batch and
// records a cache hit or miss for it. The value stored in the message
// cache is not read back: every peer still builds and serializes its
// own envelope in peer.Emit. Callers only reach this with s.cache
// non-nil.
func (s *Server) emitCached(ids []string, event string, data interface{}) {
	raw, err := marshalEventData(data)
	if err != nil {
		s.logger.Errorf("wsserver: marshal event %s: %v", event, err)
		return
	}
	key := msgcache.Key(event, string(raw))
	_, hit := s.cache.Get(key)
	if hit {
		s.metrics.cacheHits.Inc()
	} else {
		s.metrics.cacheMisses.Inc()
		s.cache.Put(key, string(raw))
	}
	s.emitRaw(ids, event, raw)
}

// emitRaw passes the same already-marshaled event data to every id's
// peer.Emit, without touching the message cache; each Emit wraps it in
// its own envelope and serializes that. Used by emitBatched and by
// emitCached once they have marshaled the data.
func (s *Server) emitRaw(ids []string, event string, raw json.RawMessage) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	for _, id := range ids {
		if p, ok := s.peers[id]; ok {
			s.sendToPeer(p, event, jsonRaw(raw))
		}
	}
}

// emitBatched implements the >100-member cooperative-yield path: the
// teacher's device never fans out to thousands of UDP peers from one
// goroutine either, so this follows the same batching shape as
// msgqueue's drainOneBatch, yielding with runtime.Gosched between
// chunks. The call is synchronous: it returns only after every chunk
// has been handed to its peers.
func (s *Server) emitBatched(ids []string, event string, data interface{}) {
	raw, err := marshalEventData(data)
	if err != nil {
		s.logger.Errorf("wsserver: marshal event %s: %v", event, err)
		return
	}
	size := clampBatchSize(len(ids))
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if s.cache != nil {
			key := msgcache.Key(event, string(raw))
			if _, hit := s.cache.Get(key); hit {
				s.metrics.cacheHits.Inc()
			} else {
				s.metrics.cacheMisses.Inc()
				s.cache.Put(key, string(raw))
			}
		}
		s.emitRaw(chunk, event, raw)
		if end < len(ids) {
			runtime.Gosched()
		}
	}
}

func (s *Server) sendToPeer(p *peer.Peer, event string, data interface{}) {
	if err := p.Emit(event, data, nil); err != nil {
		s.logger.Debugf("wsserver: emit %s failed: %v", event, err)
		return
	}
	s.metrics.messagesSent.Inc()
}
