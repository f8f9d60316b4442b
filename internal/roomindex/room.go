// Package roomindex implements the Room/RoomIndex described in
// spec.md §3/§4.7: two mirrored maps kept reflexively consistent
// (peer in room.members iff room in peer.rooms). The emitToRoom fan-out
// that reads this index lives in internal/wsserver.
package roomindex

import "sync"

// Index holds rooms <-> peers in both directions under one lock, the
// way the teacher's device.peers map is guarded by a single
// sync.RWMutex for the pair of operations that must stay consistent.
type Index struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]struct{} // room -> peerIDs
	peerRooms map[string]map[string]struct{} // peerID -> rooms
}

func New() *Index {
	return &Index{
		rooms:     make(map[string]map[string]struct{}),
		peerRooms: make(map[string]map[string]struct{}),
	}
}

// Join adds peerID to room, creating the room if this is its first
// member.
func (idx *Index) Join(peerID, room string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.rooms[room] == nil {
		idx.rooms[room] = make(map[string]struct{})
	}
	idx.rooms[room][peerID] = struct{}{}

	if idx.peerRooms[peerID] == nil {
		idx.peerRooms[peerID] = make(map[string]struct{})
	}
	idx.peerRooms[peerID][room] = struct{}{}
}

// Leave removes peerID from room, destroying the room if it becomes
// empty (spec.md §3: "destroyed when members empties").
func (idx *Index) Leave(peerID, room string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.leaveLocked(peerID, room)
}

func (idx *Index) leaveLocked(peerID, room string) {
	if members, ok := idx.rooms[room]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(idx.rooms, room)
		}
	}
	if rooms, ok := idx.peerRooms[peerID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(idx.peerRooms, peerID)
		}
	}
}

// LeaveAll removes peerID from every room it belongs to, e.g. on
// disconnect.
func (idx *Index) LeaveAll(peerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for room := range idx.peerRooms[peerID] {
		idx.leaveLocked(peerID, room)
	}
}

// Members returns a snapshot of peer ids in room, in unspecified
// order (spec.md §5: member enumeration order within emitToRoom is
// unspecified).
func (idx *Index) Members(room string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.rooms[room]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms peerID currently belongs to.
func (idx *Index) RoomsOf(peerID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.peerRooms[peerID]
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	return out
}

// Exists reports whether room currently has any members.
func (idx *Index) Exists(room string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.rooms[room]
	return ok
}

// RoomCount reports the number of live (non-empty) rooms.
func (idx *Index) RoomCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rooms)
}

// Size reports the member count of room.
func (idx *Index) Size(room string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rooms[room])
}
