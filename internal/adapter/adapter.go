// Package adapter implements the pluggable distributed-relay contract
// from spec.md §4.10: cross-instance room membership and broadcast
// relay, with Memory, Redis, and Mongo-style backings.
package adapter

import "context"

// Message is a relayed event: an emitToRoom or broadcast call made on
// one server, replayed onto every other server's local fan-out.
type Message struct {
	Event        string
	Data         []byte
	ExceptPeerID string
	Room         string // empty for a server-wide broadcast
}

// Callback is invoked once per relayed message with the originating
// server id. Implementations must never invoke cb for messages whose
// FromServerID equals the adapter's own serverID (spec.md §4.10:
// "ignored by the local callback").
type Callback func(msg Message, fromServerID string)

// Adapter is the cross-server relay contract. Every operation may
// block on network I/O; callers pass a context for cancellation.
type Adapter interface {
	Init(ctx context.Context, serverID string) error
	Close(ctx context.Context) error

	AddPeerToRoom(ctx context.Context, peerID, room string) error
	RemovePeerFromRoom(ctx context.Context, peerID, room string) error
	RemovePeerFromAllRooms(ctx context.Context, peerID string) error
	GetPeersInRoom(ctx context.Context, room string) ([]string, error)
	GetRoomsForPeer(ctx context.Context, peerID string) ([]string, error)

	Broadcast(ctx context.Context, msg Message) error
	BroadcastToRoom(ctx context.Context, room string, msg Message) error

	Subscribe(cb Callback)
	Unsubscribe()

	GetServerIDs(ctx context.Context) ([]string, error)
	RegisterServer(ctx context.Context) error
	UnregisterServer(ctx context.Context) error
}
