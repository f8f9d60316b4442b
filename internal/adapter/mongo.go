package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const pollInterval = 500 * time.Millisecond
const processedWatermark = 500
const initialWatermarkBackoff = 2 * time.Second

// MongoAdapter implements spec.md §4.10.3. ws_messages is shared
// (unprefixed) across every adapter regardless of prefix, a
// deliberate cross-tenant interop point per spec.md §9, while rooms
// and server registration live under <prefix>_rooms / <prefix>_servers.
type MongoAdapter struct {
	prefix            string
	heartbeatInterval time.Duration
	serverID          string

	rooms    *mongo.Collection
	messages *mongo.Collection
	servers  *mongo.Collection

	subMu      sync.Mutex
	cb         Callback
	watching   bool
	polling    bool
	cancelFeed context.CancelFunc
	feedDone   chan struct{}

	processedMu   sync.Mutex
	processedList []primitive.ObjectID
	processedSet  map[primitive.ObjectID]struct{}
	lastCheckedAt time.Time

	renewStop chan struct{}
	renewDone chan struct{}
}

func NewMongoAdapter(db *mongo.Database, prefix string, heartbeatInterval time.Duration) *MongoAdapter {
	return &MongoAdapter{
		prefix:            prefix,
		heartbeatInterval: heartbeatInterval,
		rooms:             db.Collection(prefix + "_rooms"),
		messages:          db.Collection("ws_messages"),
		servers:           db.Collection(prefix + "_servers"),
		processedSet:      make(map[primitive.ObjectID]struct{}),
	}
}

func (a *MongoAdapter) Init(ctx context.Context, serverID string) error {
	a.serverID = serverID
	a.lastCheckedAt = time.Now().Add(-initialWatermarkBackoff)

	if _, err := a.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(60),
	}); err != nil {
		return fmt.Errorf("adapter: create ws_messages TTL index: %w", err)
	}

	ttlSeconds := int32(3 * a.heartbeatInterval.Seconds())
	if _, err := a.servers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "lastHeartbeat", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
	}); err != nil {
		return fmt.Errorf("adapter: create servers TTL index: %w", err)
	}
	return nil
}

func (a *MongoAdapter) Close(ctx context.Context) error {
	a.Unsubscribe()
	a.stopRenewal()
	return nil
}

type roomDoc struct {
	PeerID   string `bson:"peerId"`
	Room     string `bson:"room"`
	ServerID string `bson:"serverId"`
}

func (a *MongoAdapter) AddPeerToRoom(ctx context.Context, peerID, room string) error {
	_, err := a.rooms.UpdateOne(ctx,
		bson.D{{Key: "peerId", Value: peerID}, {Key: "room", Value: room}},
		bson.D{{Key: "$set", Value: roomDoc{PeerID: peerID, Room: room, ServerID: a.serverID}}},
		options.Update().SetUpsert(true))
	return err
}

func (a *MongoAdapter) RemovePeerFromRoom(ctx context.Context, peerID, room string) error {
	_, err := a.rooms.DeleteOne(ctx, bson.D{{Key: "peerId", Value: peerID}, {Key: "room", Value: room}})
	return err
}

func (a *MongoAdapter) RemovePeerFromAllRooms(ctx context.Context, peerID string) error {
	_, err := a.rooms.DeleteMany(ctx, bson.D{{Key: "peerId", Value: peerID}})
	return err
}

func (a *MongoAdapter) GetPeersInRoom(ctx context.Context, room string) ([]string, error) {
	cur, err := a.rooms.Find(ctx, bson.D{{Key: "room", Value: room}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc roomDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.PeerID)
	}
	return out, cur.Err()
}

func (a *MongoAdapter) GetRoomsForPeer(ctx context.Context, peerID string) ([]string, error) {
	cur, err := a.rooms.Find(ctx, bson.D{{Key: "peerId", Value: peerID}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc roomDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Room)
	}
	return out, cur.Err()
}

type messageDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	ServerID     string             `bson:"serverId"`
	Event        string             `bson:"event"`
	Data         []byte             `bson:"data"`
	ExceptPeerID string             `bson:"exceptPeerId,omitempty"`
	Room         string             `bson:"room,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
}

func (a *MongoAdapter) Broadcast(ctx context.Context, msg Message) error {
	_, err := a.messages.InsertOne(ctx, messageDoc{
		ServerID: a.serverID, Event: msg.Event, Data: msg.Data, ExceptPeerID: msg.ExceptPeerID, CreatedAt: time.Now(),
	})
	return err
}

func (a *MongoAdapter) BroadcastToRoom(ctx context.Context, room string, msg Message) error {
	_, err := a.messages.InsertOne(ctx, messageDoc{
		ServerID: a.serverID, Event: msg.Event, Data: msg.Data, ExceptPeerID: msg.ExceptPeerID, Room: room, CreatedAt: time.Now(),
	})
	return err
}

// Subscribe tries a change-stream watch first; if the deployment isn't
// a replica set (single-node Mongo, per spec.md §4.10.3), it degrades
// to polling. Repeated calls only swap the callback.
func (a *MongoAdapter) Subscribe(cb Callback) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.cb = cb
	if a.watching || a.polling {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFeed = cancel
	a.feedDone = make(chan struct{})

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.serverId", Value: bson.D{{Key: "$ne", Value: a.serverID}}},
		}}},
	}
	stream, err := a.messages.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		a.polling = true
		go a.pollLoop(ctx)
		return
	}

	a.watching = true
	go a.watchLoop(ctx, stream)
}

func (a *MongoAdapter) watchLoop(ctx context.Context, stream *mongo.ChangeStream) {
	defer close(a.feedDone)
	defer stream.Close(ctx)
	for stream.Next(ctx) {
		var ev struct {
			FullDocument messageDoc `bson:"fullDocument"`
		}
		if err := stream.Decode(&ev); err != nil {
			continue
		}
		a.dispatch(ev.FullDocument)
	}
}

func (a *MongoAdapter) pollLoop(ctx context.Context) {
	defer close(a.feedDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *MongoAdapter) pollOnce(ctx context.Context) {
	a.processedMu.Lock()
	since := a.lastCheckedAt
	a.processedMu.Unlock()

	cur, err := a.messages.Find(ctx, bson.D{
		{Key: "createdAt", Value: bson.D{{Key: "$gt", Value: since}}},
		{Key: "serverId", Value: bson.D{{Key: "$ne", Value: a.serverID}}},
	}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return
	}
	defer cur.Close(ctx)

	newest := since
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		if doc.CreatedAt.After(newest) {
			newest = doc.CreatedAt
		}
		if a.alreadyProcessed(doc.ID) {
			continue
		}
		a.markProcessed(doc.ID)
		a.dispatch(doc)
	}

	a.processedMu.Lock()
	a.lastCheckedAt = newest
	a.processedMu.Unlock()
}

func (a *MongoAdapter) alreadyProcessed(id primitive.ObjectID) bool {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	_, ok := a.processedSet[id]
	return ok
}

func (a *MongoAdapter) markProcessed(id primitive.ObjectID) {
	a.processedMu.Lock()
	defer a.processedMu.Unlock()
	a.processedSet[id] = struct{}{}
	a.processedList = append(a.processedList, id)
	if len(a.processedList) > processedWatermark {
		oldest := a.processedList[0]
		a.processedList = a.processedList[1:]
		delete(a.processedSet, oldest)
	}
}

func (a *MongoAdapter) dispatch(doc messageDoc) {
	if doc.ServerID == a.serverID {
		return
	}
	a.subMu.Lock()
	cb := a.cb
	a.subMu.Unlock()
	if cb == nil {
		return
	}
	cb(Message{Event: doc.Event, Data: doc.Data, ExceptPeerID: doc.ExceptPeerID, Room: doc.Room}, doc.ServerID)
}

func (a *MongoAdapter) Unsubscribe() {
	a.subMu.Lock()
	a.cb = nil
	cancel := a.cancelFeed
	done := a.feedDone
	wasActive := a.watching || a.polling
	a.watching = false
	a.polling = false
	a.cancelFeed = nil
	a.feedDone = nil
	a.subMu.Unlock()

	if wasActive && cancel != nil {
		cancel()
		<-done
	}
}

type serverDoc struct {
	ID            string    `bson:"_id"`
	LastHeartbeat time.Time `bson:"lastHeartbeat"`
}

func (a *MongoAdapter) GetServerIDs(ctx context.Context) ([]string, error) {
	cur, err := a.servers.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var doc serverDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.ID)
	}
	return out, cur.Err()
}

func (a *MongoAdapter) RegisterServer(ctx context.Context) error {
	_, err := a.servers.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: a.serverID}},
		bson.D{{Key: "$set", Value: serverDoc{ID: a.serverID, LastHeartbeat: time.Now()}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return err
	}
	a.startRenewal()
	return nil
}

func (a *MongoAdapter) startRenewal() {
	if a.renewStop != nil {
		return
	}
	a.renewStop = make(chan struct{})
	a.renewDone = make(chan struct{})
	ticker := time.NewTicker(a.heartbeatInterval)
	stop := a.renewStop
	done := a.renewDone
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = a.servers.UpdateOne(context.Background(),
					bson.D{{Key: "_id", Value: a.serverID}},
					bson.D{{Key: "$set", Value: bson.D{{Key: "lastHeartbeat", Value: time.Now()}}}})
			}
		}
	}()
}

func (a *MongoAdapter) stopRenewal() {
	if a.renewStop == nil {
		return
	}
	close(a.renewStop)
	<-a.renewDone
	a.renewStop = nil
	a.renewDone = nil
}

func (a *MongoAdapter) UnregisterServer(ctx context.Context) error {
	a.stopRenewal()
	_, err := a.servers.DeleteOne(ctx, bson.D{{Key: "_id", Value: a.serverID}})
	return err
}
