package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter implements spec.md §4.10.2: room membership as TTL'd
// keys, server registration as a TTL'd key renewed on a background
// timer, and broadcast relay over pub/sub. Two logical roles are
// split across two *redis.Client values (ops vs pub/sub) because a
// connection blocked in SUBSCRIBE mode cannot issue ordinary commands
// such as PUBLISH.
type RedisAdapter struct {
	prefix            string
	heartbeatInterval time.Duration
	serverID          string

	ops    *redis.Client
	pubsub *redis.Client

	renewStop chan struct{}
	renewDone chan struct{}

	subMu        sync.Mutex
	cb           Callback
	broadcastSub *redis.PubSub
	roomSub      *redis.PubSub
	listenStop   chan struct{}
}

// NewRedisAdapter wires two *redis.Client instances over the same
// options, matching spec.md's "one for ordinary keyspace ops, one
// duplicated into (subscribe, publish) roles" split. heartbeatInterval
// drives both the server-registration TTL renewal and the 3x TTL on
// room-membership keys.
func NewRedisAdapter(opts *redis.Options, prefix string, heartbeatInterval time.Duration) *RedisAdapter {
	return &RedisAdapter{
		prefix:            prefix,
		heartbeatInterval: heartbeatInterval,
		ops:               redis.NewClient(opts),
		pubsub:            redis.NewClient(opts),
	}
}

func (a *RedisAdapter) ttl() time.Duration { return 3 * a.heartbeatInterval }

func (a *RedisAdapter) roomKey(room, peerID string) string {
	return fmt.Sprintf("%s:room:%s:%s", a.prefix, room, peerID)
}

func (a *RedisAdapter) roomPrefix(room string) string {
	return fmt.Sprintf("%s:room:%s:", a.prefix, room)
}

func (a *RedisAdapter) peerRoomsKey(peerID string) string {
	return fmt.Sprintf("%s:peer:%s:rooms", a.prefix, peerID)
}

func (a *RedisAdapter) serverKey(serverID string) string {
	return fmt.Sprintf("%s:servers:%s", a.prefix, serverID)
}

func (a *RedisAdapter) broadcastChannel() string { return a.prefix + ":broadcast" }
func (a *RedisAdapter) roomChannel(room string) string {
	return a.prefix + ":room:" + room
}
func (a *RedisAdapter) roomPattern() string { return a.prefix + ":room:*" }

func (a *RedisAdapter) Init(ctx context.Context, serverID string) error {
	a.serverID = serverID
	if err := a.ops.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("adapter: redis ping failed: %w", err)
	}
	return nil
}

func (a *RedisAdapter) Close(ctx context.Context) error {
	a.Unsubscribe()
	a.stopRenewal()
	_ = a.ops.Close()
	_ = a.pubsub.Close()
	return nil
}

func (a *RedisAdapter) AddPeerToRoom(ctx context.Context, peerID, room string) error {
	if err := a.ops.Set(ctx, a.roomKey(room, peerID), a.serverID, a.ttl()).Err(); err != nil {
		return err
	}
	return a.appendPeerRoom(ctx, peerID, room)
}

func (a *RedisAdapter) appendPeerRoom(ctx context.Context, peerID, room string) error {
	rooms, err := a.readPeerRooms(ctx, peerID)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if r == room {
			return a.ops.Expire(ctx, a.peerRoomsKey(peerID), a.ttl()).Err()
		}
	}
	rooms = append(rooms, room)
	return a.writePeerRooms(ctx, peerID, rooms)
}

func (a *RedisAdapter) readPeerRooms(ctx context.Context, peerID string) ([]string, error) {
	raw, err := a.ops.Get(ctx, a.peerRoomsKey(peerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rooms []string
	if err := json.Unmarshal([]byte(raw), &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (a *RedisAdapter) writePeerRooms(ctx context.Context, peerID string, rooms []string) error {
	if len(rooms) == 0 {
		return a.ops.Del(ctx, a.peerRoomsKey(peerID)).Err()
	}
	raw, err := json.Marshal(rooms)
	if err != nil {
		return err
	}
	return a.ops.Set(ctx, a.peerRoomsKey(peerID), raw, a.ttl()).Err()
}

func (a *RedisAdapter) RemovePeerFromRoom(ctx context.Context, peerID, room string) error {
	if err := a.ops.Del(ctx, a.roomKey(room, peerID)).Err(); err != nil {
		return err
	}
	rooms, err := a.readPeerRooms(ctx, peerID)
	if err != nil {
		return err
	}
	kept := rooms[:0]
	for _, r := range rooms {
		if r != room {
			kept = append(kept, r)
		}
	}
	return a.writePeerRooms(ctx, peerID, kept)
}

func (a *RedisAdapter) RemovePeerFromAllRooms(ctx context.Context, peerID string) error {
	rooms, err := a.readPeerRooms(ctx, peerID)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := a.ops.Del(ctx, a.roomKey(room, peerID)).Err(); err != nil {
			return err
		}
	}
	return a.ops.Del(ctx, a.peerRoomsKey(peerID)).Err()
}

func (a *RedisAdapter) GetPeersInRoom(ctx context.Context, room string) ([]string, error) {
	keys, err := a.ops.Keys(ctx, a.roomPrefix(room)+"*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, a.roomPrefix(room)))
	}
	return out, nil
}

func (a *RedisAdapter) GetRoomsForPeer(ctx context.Context, peerID string) ([]string, error) {
	return a.readPeerRooms(ctx, peerID)
}

type wirePayload struct {
	ServerID     string `json:"serverId"`
	Event        string `json:"event"`
	Data         []byte `json:"data"`
	ExceptPeerID string `json:"exceptPeerId,omitempty"`
	Room         string `json:"room,omitempty"`
}

func (a *RedisAdapter) Broadcast(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(wirePayload{
		ServerID: a.serverID, Event: msg.Event, Data: msg.Data, ExceptPeerID: msg.ExceptPeerID,
	})
	if err != nil {
		return err
	}
	return a.pubsub.Publish(ctx, a.broadcastChannel(), payload).Err()
}

func (a *RedisAdapter) BroadcastToRoom(ctx context.Context, room string, msg Message) error {
	payload, err := json.Marshal(wirePayload{
		ServerID: a.serverID, Event: msg.Event, Data: msg.Data, ExceptPeerID: msg.ExceptPeerID, Room: room,
	})
	if err != nil {
		return err
	}
	return a.pubsub.Publish(ctx, a.roomChannel(room), payload).Err()
}

// Subscribe starts (or, on repeat calls, retargets) the pub/sub
// listeners. Repeated calls swap the callback in place without
// disturbing the underlying subscriptions, matching the Mongo
// adapter's equivalent behavior in spec.md §9.
func (a *RedisAdapter) Subscribe(cb Callback) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.cb = cb
	if a.broadcastSub != nil {
		return
	}

	ctx := context.Background()
	a.broadcastSub = a.pubsub.Subscribe(ctx, a.broadcastChannel())
	a.roomSub = a.pubsub.PSubscribe(ctx, a.roomPattern())
	a.listenStop = make(chan struct{})

	go a.listen(a.broadcastSub.Channel(), a.listenStop)
	go a.listen(a.roomSub.Channel(), a.listenStop)
}

func (a *RedisAdapter) listen(ch <-chan *redis.Message, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			a.dispatch(m.Payload)
		}
	}
}

func (a *RedisAdapter) dispatch(raw string) {
	var payload wirePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return
	}
	if payload.ServerID == a.serverID {
		return
	}
	a.subMu.Lock()
	cb := a.cb
	a.subMu.Unlock()
	if cb == nil {
		return
	}
	cb(Message{Event: payload.Event, Data: payload.Data, ExceptPeerID: payload.ExceptPeerID, Room: payload.Room}, payload.ServerID)
}

func (a *RedisAdapter) Unsubscribe() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.cb = nil
	if a.listenStop != nil {
		close(a.listenStop)
		a.listenStop = nil
	}
	if a.broadcastSub != nil {
		_ = a.broadcastSub.Close()
		a.broadcastSub = nil
	}
	if a.roomSub != nil {
		_ = a.roomSub.Close()
		a.roomSub = nil
	}
}

func (a *RedisAdapter) GetServerIDs(ctx context.Context) ([]string, error) {
	keys, err := a.ops.Keys(ctx, a.prefix+":servers:*").Result()
	if err != nil {
		return nil, err
	}
	prefix := a.prefix + ":servers:"
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

func (a *RedisAdapter) RegisterServer(ctx context.Context) error {
	if err := a.ops.Set(ctx, a.serverKey(a.serverID), "1", a.ttl()).Err(); err != nil {
		return err
	}
	a.startRenewal()
	return nil
}

func (a *RedisAdapter) startRenewal() {
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
				_ = a.ops.Expire(context.Background(), a.serverKey(a.serverID), a.ttl()).Err()
			}
		}
	}()
}

func (a *RedisAdapter) stopRenewal() {
	if a.renewStop == nil {
		return
	}
	close(a.renewStop)
	<-a.renewDone
	a.renewStop = nil
	a.renewDone = nil
}

func (a *RedisAdapter) UnregisterServer(ctx context.Context) error {
	a.stopRenewal()
	return a.ops.Del(ctx, a.serverKey(a.serverID)).Err()
}
