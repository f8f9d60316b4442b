package adapter

import (
	"context"
	"sync"
)

// MemoryAdapter is the single-process backing from spec.md §4.10.1:
// all operations are local; broadcast/broadcastToRoom/subscribe are
// no-ops since there is never a second server to relay to.
type MemoryAdapter struct {
	serverID string

	mu        sync.RWMutex
	roomPeers map[string]map[string]struct{}
	peerRooms map[string]map[string]struct{}
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		roomPeers: make(map[string]map[string]struct{}),
		peerRooms: make(map[string]map[string]struct{}),
	}
}

func (a *MemoryAdapter) Init(ctx context.Context, serverID string) error {
	a.serverID = serverID
	return nil
}

func (a *MemoryAdapter) Close(ctx context.Context) error { return nil }

func (a *MemoryAdapter) AddPeerToRoom(ctx context.Context, peerID, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roomPeers[room] == nil {
		a.roomPeers[room] = make(map[string]struct{})
	}
	a.roomPeers[room][peerID] = struct{}{}
	if a.peerRooms[peerID] == nil {
		a.peerRooms[peerID] = make(map[string]struct{})
	}
	a.peerRooms[peerID][room] = struct{}{}
	return nil
}

func (a *MemoryAdapter) RemovePeerFromRoom(ctx context.Context, peerID, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roomPeers[room], peerID)
	if len(a.roomPeers[room]) == 0 {
		delete(a.roomPeers, room)
	}
	delete(a.peerRooms[peerID], room)
	if len(a.peerRooms[peerID]) == 0 {
		delete(a.peerRooms, peerID)
	}
	return nil
}

func (a *MemoryAdapter) RemovePeerFromAllRooms(ctx context.Context, peerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for room := range a.peerRooms[peerID] {
		delete(a.roomPeers[room], peerID)
		if len(a.roomPeers[room]) == 0 {
			delete(a.roomPeers, room)
		}
	}
	delete(a.peerRooms, peerID)
	return nil
}

func (a *MemoryAdapter) GetPeersInRoom(ctx context.Context, room string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.roomPeers[room]))
	for id := range a.roomPeers[room] {
		out = append(out, id)
	}
	return out, nil
}

func (a *MemoryAdapter) GetRoomsForPeer(ctx context.Context, peerID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.peerRooms[peerID]))
	for r := range a.peerRooms[peerID] {
		out = append(out, r)
	}
	return out, nil
}

func (a *MemoryAdapter) Broadcast(ctx context.Context, msg Message) error        { return nil }
func (a *MemoryAdapter) BroadcastToRoom(ctx context.Context, room string, msg Message) error {
	return nil
}

func (a *MemoryAdapter) Subscribe(cb Callback) {}
func (a *MemoryAdapter) Unsubscribe()          {}

func (a *MemoryAdapter) GetServerIDs(ctx context.Context) ([]string, error) {
	return []string{a.serverID}, nil
}

func (a *MemoryAdapter) RegisterServer(ctx context.Context) error   { return nil }
func (a *MemoryAdapter) UnregisterServer(ctx context.Context) error { return nil }
