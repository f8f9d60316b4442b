package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisAdapter(t *testing.T, serverID string) (*RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	a := NewRedisAdapter(&redis.Options{Addr: mr.Addr()}, "ws", 50*time.Millisecond)
	if err := a.Init(context.Background(), serverID); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return a, mr
}

func TestRedisRoomMembershipRoundTrip(t *testing.T) {
	a, _ := newTestRedisAdapter(t, "s1")
	ctx := context.Background()

	if err := a.AddPeerToRoom(ctx, "p1", "room-x"); err != nil {
		t.Fatalf("AddPeerToRoom: %v", err)
	}
	if err := a.AddPeerToRoom(ctx, "p1", "room-y"); err != nil {
		t.Fatalf("AddPeerToRoom: %v", err)
	}

	peers, err := a.GetPeersInRoom(ctx, "room-x")
	if err != nil || len(peers) != 1 || peers[0] != "p1" {
		t.Fatalf("expected [p1] in room-x, got %v err=%v", peers, err)
	}

	rooms, err := a.GetRoomsForPeer(ctx, "p1")
	if err != nil || len(rooms) != 2 {
		t.Fatalf("expected 2 rooms for p1, got %v err=%v", rooms, err)
	}

	if err := a.RemovePeerFromRoom(ctx, "p1", "room-x"); err != nil {
		t.Fatalf("RemovePeerFromRoom: %v", err)
	}
	peers, _ = a.GetPeersInRoom(ctx, "room-x")
	if len(peers) != 0 {
		t.Errorf("expected room-x empty after removal, got %v", peers)
	}
}

func TestRedisRemovePeerFromAllRooms(t *testing.T) {
	a, _ := newTestRedisAdapter(t, "s1")
	ctx := context.Background()
	_ = a.AddPeerToRoom(ctx, "p1", "a")
	_ = a.AddPeerToRoom(ctx, "p1", "b")

	if err := a.RemovePeerFromAllRooms(ctx, "p1"); err != nil {
		t.Fatalf("RemovePeerFromAllRooms: %v", err)
	}
	rooms, _ := a.GetRoomsForPeer(ctx, "p1")
	if len(rooms) != 0 {
		t.Errorf("expected no rooms left for p1, got %v", rooms)
	}
}

func TestRedisBroadcastIgnoresSelf(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	s1 := NewRedisAdapter(&redis.Options{Addr: mr.Addr()}, "ws", 50*time.Millisecond)
	_ = s1.Init(context.Background(), "s1")
	s2 := NewRedisAdapter(&redis.Options{Addr: mr.Addr()}, "ws", 50*time.Millisecond)
	_ = s2.Init(context.Background(), "s2")

	var mu sync.Mutex
	var received []string
	s1.Subscribe(func(msg Message, from string) {
		mu.Lock()
		received = append(received, from+":"+msg.Event)
		mu.Unlock()
	})
	defer s1.Unsubscribe()

	time.Sleep(50 * time.Millisecond) // let subscription attach
	_ = s1.Broadcast(context.Background(), Message{Event: "self-event"})
	_ = s2.Broadcast(context.Background(), Message{Event: "peer-event"})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "s2:peer-event" {
		t.Errorf("expected only s2's broadcast to be observed, got %v", received)
	}
}

func TestRedisServerRegistrationAndTTLRenewal(t *testing.T) {
	a, mr := newTestRedisAdapter(t, "s1")
	ctx := context.Background()

	if err := a.RegisterServer(ctx); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	defer a.UnregisterServer(ctx)

	ids, err := a.GetServerIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expected [s1], got %v err=%v", ids, err)
	}

	mr.FastForward(40 * time.Millisecond)
	time.Sleep(80 * time.Millisecond) // allow the renewal tick to fire
	mr.FastForward(120 * time.Millisecond)

	ids, err = a.GetServerIDs(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected server registration to survive past its original TTL via renewal, got %v err=%v", ids, err)
	}
}
