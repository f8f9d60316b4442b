package wsserver

import (
	"context"

	"github.com/wsmesh/wsmesh/internal/adapter"
	"github.com/wsmesh/wsmesh/internal/msgqueue"
)

// The methods below implement peer.Hub, the minimal surface a Peer
// needs without owning the RoomIndex, peer registry, or Adapter
// itself (spec.md §9).

func (s *Server) Join(peerID, room string) {
	s.rooms.Join(peerID, room)
	if err := s.adapter.AddPeerToRoom(context.Background(), peerID, room); err != nil {
		s.logger.Errorf("adapter: addPeerToRoom(%s, %s): %v", peerID, room, err)
	}
}

func (s *Server) Leave(peerID, room string) {
	s.rooms.Leave(peerID, room)
	if err := s.adapter.RemovePeerFromRoom(context.Background(), peerID, room); err != nil {
		s.logger.Errorf("adapter: removePeerFromRoom(%s, %s): %v", peerID, room, err)
	}
}

func (s *Server) LeaveAll(peerID string) {
	s.rooms.LeaveAll(peerID)
	if err := s.adapter.RemovePeerFromAllRooms(context.Background(), peerID); err != nil {
		s.logger.Errorf("adapter: removePeerFromAllRooms(%s): %v", peerID, err)
	}
}

func (s *Server) RoomsOf(peerID string) []string { return s.rooms.RoomsOf(peerID) }

// EmitToRoom relays through the adapter first (so other instances fan
// out locally), then performs the local fan-out with the batching
// rules of spec.md §4.7.
func (s *Server) EmitToRoom(room, event string, data interface{}, exceptPeerID string) error {
	raw, err := marshalEventData(data)
	if err != nil {
		return err
	}
	if err := s.adapter.BroadcastToRoom(context.Background(), room, adapter.Message{
		Event: event, Data: raw, ExceptPeerID: exceptPeerID, Room: room,
	}); err != nil {
		s.logger.Errorf("adapter: broadcastToRoom(%s): %v", room, err)
	}
	s.fanOutRoom(room, event, data, exceptPeerID)
	return nil
}

// Broadcast relays through the adapter, then performs the local
// fan-out: synchronously, or via the MessageQueue when
// UseMessageQueue is set (spec.md §4.11).
func (s *Server) Broadcast(event string, data interface{}, exceptPeerID string) error {
	raw, err := marshalEventData(data)
	if err != nil {
		return err
	}
	if err := s.adapter.Broadcast(context.Background(), adapter.Message{
		Event: event, Data: raw, ExceptPeerID: exceptPeerID,
	}); err != nil {
		s.logger.Errorf("adapter: broadcast: %v", err)
	}

	if s.cfg.UseMessageQueue && s.queue != nil {
		s.queue.Enqueue(msgqueue.Item{Send: func() error {
			s.fanOutAll(event, data, exceptPeerID)
			return nil
		}})
		return nil
	}
	s.fanOutAll(event, data, exceptPeerID)
	return nil
}

func (s *Server) Deregister(peerID string) {
	s.peersMu.Lock()
	delete(s.peers, peerID)
	if m, ok := s.hbMgrs[peerID]; ok {
		m.Stop()
		delete(s.hbMgrs, peerID)
	}
	s.peersMu.Unlock()
	if s.batchHeartbeat != nil {
		s.batchHeartbeat.Unregister(peerID)
	}
	s.metrics.connectedPeers.Dec()
}

// handleAdapterMessage is the Subscribe callback: a message relayed
// from another server instance, fanned out ONLY locally (never
// re-relayed through the adapter), which is how spec.md §4.10 avoids
// publish loops.
func (s *Server) handleAdapterMessage(msg adapter.Message, fromServerID string) {
	// msg.Data is already-serialized JSON; wrap it as json.RawMessage so
	// a re-marshal for local delivery emits it verbatim instead of
	// base64-encoding the raw bytes.
	data := jsonRaw(msg.Data)
	if msg.Room != "" {
		s.fanOutRoom(msg.Room, msg.Event, data, msg.ExceptPeerID)
		return
	}
	s.fanOutAll(msg.Event, data, msg.ExceptPeerID)
}
