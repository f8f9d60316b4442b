package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wsmesh/wsmesh/internal/logging"
	"github.com/wsmesh/wsmesh/internal/wsencrypt"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan frame
	outbound [][]byte
	closed   bool
}

type frame struct {
	msgType int
	data    []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan frame, 16)}
}

func (c *fakeConn) push(msgType int, data []byte) { c.inbound <- frame{msgType, data} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.inbound
	if !ok {
		return 0, nil, errClosed
	}
	return f.msgType, f.data, nil
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *fakeConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return nil
	}
	return c.outbound[len(c.outbound)-1]
}

// awaitWrite polls for the write pump (a separate goroutine) to have
// flushed at least one frame, since Emit/sendEnvelope only enqueue.
func (c *fakeConn) awaitWrite(t *testing.T) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if out := c.lastWrite(); out != nil {
			return out
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a write")
	return nil
}

type errType string

func (e errType) Error() string { return string(e) }

const errClosed = errType("fake conn closed")

type fakeHub struct {
	mu              sync.Mutex
	rooms           map[string][]string
	deregistered    []string
	leftAll         []string
	broadcastCall   []string
	broadcastExcept []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{rooms: make(map[string][]string)}
}

func (h *fakeHub) Join(peerID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[peerID] = append(h.rooms[peerID], room)
}
func (h *fakeHub) Leave(peerID, room string) {}
func (h *fakeHub) LeaveAll(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leftAll = append(h.leftAll, peerID)
}
func (h *fakeHub) RoomsOf(peerID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[peerID]
}
func (h *fakeHub) EmitToRoom(room, event string, data interface{}, except string) error {
	return nil
}
func (h *fakeHub) Broadcast(event string, data interface{}, except string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastCall = append(h.broadcastCall, event)
	h.broadcastExcept = append(h.broadcastExcept, except)
	return nil
}
func (h *fakeHub) Deregister(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregistered = append(h.deregistered, peerID)
}

func newTestPeer() (*Peer, *fakeConn, *fakeHub) {
	conn := newFakeConn()
	hub := newFakeHub()
	p := New("p1", conn, hub, wsencrypt.Disabled(), nil, logging.NewNop())
	p.setState(StateConnected)
	return p, conn, hub
}

func TestEmitWritesEventEnvelope(t *testing.T) {
	p, conn, _ := newTestPeer()
	if err := p.Emit("greet", map[string]string{"hello": "world"}, nil); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	out := conn.awaitWrite(t)
	var env struct {
		Type  string          `json:"type"`
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		t.Fatalf("expected valid JSON envelope: %v", err)
	}
	if env.Type != "event" || env.Event != "greet" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestCallbackDeliveredOnce(t *testing.T) {
	p, conn, _ := newTestPeer()
	go p.Run()

	calls := 0
	var mu sync.Mutex
	_ = p.Emit("ask", map[string]string{"q": "hi"}, func(data []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	out := conn.awaitWrite(t)
	var env struct {
		CallbackID string `json:"callbackId"`
	}
	_ = json.Unmarshal(out, &env)
	if env.CallbackID == "" {
		t.Fatal("expected a callbackId on the emitted envelope")
	}

	reply, _ := json.Marshal(map[string]interface{}{
		"type":       "callback",
		"callbackId": env.CallbackID,
		"data":       map[string]string{"a": "hi"},
	})
	conn.push(1, reply)
	// second delivery for the same callbackId should be dropped.
	conn.push(1, reply)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly one callback delivery, got %d", calls)
	}
}

func TestListenerReceivesEventData(t *testing.T) {
	p, conn, _ := newTestPeer()
	var got string
	p.On("chat", func(data []byte, reply ReplyFunc) {
		var msg struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(data, &msg)
		got = msg.Text
	})
	go p.Run()

	frame, _ := json.Marshal(map[string]interface{}{
		"type":  "event",
		"event": "chat",
		"data":  map[string]string{"text": "hello"},
	})
	conn.push(1, frame)

	time.Sleep(20 * time.Millisecond)
	if got != "hello" {
		t.Errorf("expected listener to observe 'hello', got %q", got)
	}
}

func TestFileUploadReassembly(t *testing.T) {
	p, conn, _ := newTestPeer()
	var gotSize float64
	var gotBytes []byte
	done := make(chan struct{})
	p.On("file-upload", func(data []byte, reply ReplyFunc) {
		var msg struct {
			FileSize float64 `json:"fileSize"`
			Bytes    []byte  `json:"bytes"`
		}
		_ = json.Unmarshal(data, &msg)
		gotSize = msg.FileSize
		gotBytes = msg.Bytes
		close(done)
	})
	go p.Run()

	chunks := [][]byte{[]byte("hello "), []byte("world")}
	for i, c := range chunks {
		meta, _ := json.Marshal(map[string]interface{}{
			"type":  "event",
			"event": "file-chunk",
			"data": map[string]interface{}{
				"uploadId":    "u1",
				"fileName":    "greeting.txt",
				"fileSize":    len(chunks[0]) + len(chunks[1]),
				"chunkIndex":  i,
				"totalChunks": len(chunks),
				"chunkSize":   len(c),
			},
		})
		conn.push(1, meta)
		conn.push(2, c)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected file-upload event to fire")
	}
	if int(gotSize) != 11 {
		t.Errorf("expected fileSize 11, got %v", gotSize)
	}
	if string(gotBytes) != "hello world" {
		t.Errorf("expected concatenated bytes 'hello world', got %q", string(gotBytes))
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	p, _, hub := newTestPeer()
	p.Join("room-a")

	p.Disconnect("manual")
	p.Disconnect("manual-again")

	if len(hub.deregistered) != 1 {
		t.Errorf("expected exactly one Deregister call, got %d", len(hub.deregistered))
	}
	if len(hub.leftAll) != 1 {
		t.Errorf("expected exactly one LeaveAll call, got %d", len(hub.leftAll))
	}
	if p.State() != StateDisconnected {
		t.Error("expected state to be DISCONNECTED")
	}
}

func TestRoomEmitterExcludesSelf(t *testing.T) {
	p, _, hub := newTestPeer()
	_ = p.Broadcast().Emit("announce", map[string]string{"msg": "hi"})
	if len(hub.broadcastCall) != 1 || hub.broadcastCall[0] != "announce" {
		t.Errorf("expected broadcast to be relayed to hub, got %+v", hub.broadcastCall)
	}
	if len(hub.broadcastExcept) != 1 || hub.broadcastExcept[0] != p.ID() {
		t.Errorf("expected broadcast to exclude the sender %s, got %+v", p.ID(), hub.broadcastExcept)
	}
}
