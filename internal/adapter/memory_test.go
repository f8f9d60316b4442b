package adapter

import (
	"context"
	"testing"
)

func TestMemoryAdapterRoomMembership(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	_ = a.Init(ctx, "s1")

	_ = a.AddPeerToRoom(ctx, "p1", "room-x")
	_ = a.AddPeerToRoom(ctx, "p2", "room-x")

	peers, _ := a.GetPeersInRoom(ctx, "room-x")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers in room-x, got %v", peers)
	}

	_ = a.RemovePeerFromRoom(ctx, "p1", "room-x")
	peers, _ = a.GetPeersInRoom(ctx, "room-x")
	if len(peers) != 1 || peers[0] != "p2" {
		t.Fatalf("expected only p2 left in room-x, got %v", peers)
	}
}

func TestMemoryAdapterRemoveFromAllRooms(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	_ = a.AddPeerToRoom(ctx, "p1", "a")
	_ = a.AddPeerToRoom(ctx, "p1", "b")

	_ = a.RemovePeerFromAllRooms(ctx, "p1")

	rooms, _ := a.GetRoomsForPeer(ctx, "p1")
	if len(rooms) != 0 {
		t.Errorf("expected no rooms for p1, got %v", rooms)
	}
	peers, _ := a.GetPeersInRoom(ctx, "a")
	if len(peers) != 0 {
		t.Errorf("expected room a empty, got %v", peers)
	}
}

func TestMemoryAdapterServerIDsIsSelfOnly(t *testing.T) {
	a := NewMemoryAdapter()
	_ = a.Init(context.Background(), "solo")
	ids, _ := a.GetServerIDs(context.Background())
	if len(ids) != 1 || ids[0] != "solo" {
		t.Errorf("expected [solo], got %v", ids)
	}
}
