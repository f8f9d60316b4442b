package adapter

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TestMongoProcessedSetBounded exercises the bounded dedup set
// directly: like TestMongoDispatchIgnoresSelf it has no network
// dependency, unlike the live tests built on newLiveMongoAdapter.
func TestMongoProcessedSetBounded(t *testing.T) {
	a := &MongoAdapter{processedSet: make(map[primitive.ObjectID]struct{})}

	var first primitive.ObjectID
	for i := 0; i < processedWatermark+10; i++ {
		id := primitive.NewObjectID()
		if i == 0 {
			first = id
		}
		if a.alreadyProcessed(id) {
			t.Fatalf("unexpected duplicate at iteration %d", i)
		}
		a.markProcessed(id)
	}

	if len(a.processedList) != processedWatermark {
		t.Errorf("expected processed list capped at %d, got %d", processedWatermark, len(a.processedList))
	}
	if a.alreadyProcessed(first) {
		t.Error("expected the oldest id to have been evicted from the bounded set")
	}
}

func TestMongoDispatchIgnoresSelf(t *testing.T) {
	a := &MongoAdapter{serverID: "s1"}
	var called bool
	a.cb = func(Message, string) { called = true }

	a.dispatch(messageDoc{ServerID: "s1", Event: "self"})
	if called {
		t.Error("expected dispatch to drop a message whose serverId matches self")
	}

	a.dispatch(messageDoc{ServerID: "s2", Event: "peer"})
	if !called {
		t.Error("expected dispatch to deliver a message from another server")
	}
}

// newLiveMongoAdapter connects to a real MongoDB instance pointed to
// by MONGO_TEST_URI. Its change-stream path requires a replica set;
// a bare single-node mongod exercises only the polling fallback.
func newLiveMongoAdapter(t *testing.T) *MongoAdapter {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set; skipping live Mongo adapter test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("wsmesh_test")
	a := NewMongoAdapter(db, "ws", 50*time.Millisecond)
	if err := a.Init(ctx, "s1"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func TestMongoRoomMembershipRoundTrip(t *testing.T) {
	a := newLiveMongoAdapter(t)
	ctx := context.Background()

	if err := a.AddPeerToRoom(ctx, "p1", "room-x"); err != nil {
		t.Fatalf("AddPeerToRoom: %v", err)
	}
	peers, err := a.GetPeersInRoom(ctx, "room-x")
	if err != nil || len(peers) != 1 {
		t.Fatalf("expected one peer in room-x, got %v err=%v", peers, err)
	}

	if err := a.RemovePeerFromAllRooms(ctx, "p1"); err != nil {
		t.Fatalf("RemovePeerFromAllRooms: %v", err)
	}
	rooms, _ := a.GetRoomsForPeer(ctx, "p1")
	if len(rooms) != 0 {
		t.Errorf("expected no rooms left, got %v", rooms)
	}
}
