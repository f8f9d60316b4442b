// Package peer implements the Peer (Socket) described in spec.md
// §4.9: the receive loop, emit/callback correlation, room helpers,
// file-upload reassembly, and the connect/disconnect state machine.
// It is grounded on the teacher's device.Peer (routines/signals/queue
// struct grouping, idempotent stop via a single close channel) with
// the transport swapped from a UDP endpoint to a gorilla/websocket
// connection.
package peer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wsmesh/wsmesh/internal/logging"
	"github.com/wsmesh/wsmesh/internal/msgcache"
	"github.com/wsmesh/wsmesh/internal/wsencrypt"
	"github.com/wsmesh/wsmesh/internal/wsproto"
)

// State is the connection state machine from spec.md §4.9:
// CONNECTING -> CONNECTED (on open) -> DISCONNECTED (on close).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

// Conn is the subset of *websocket.Conn that Peer depends on. Peer is
// transport-agnostic behind this interface so tests can drive it with
// an in-memory fake instead of a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() string
}

// Listener handles one inbound event. If the envelope carried a
// callbackId, reply is non-nil and sending through it transmits a
// callback envelope back to the peer; it may be called at most once.
type Listener func(data []byte, reply ReplyFunc)

// ReplyFunc sends a single callback reply. Calling it more than once
// after the first call is a no-op.
type ReplyFunc func(data interface{})

// CallbackFunc receives the data of a callback reply to a previously
// emitted request.
type CallbackFunc func(data []byte)

// Hub is the server-side surface a Peer needs without owning a
// RoomIndex, peer registry, or adapter itself (spec.md §9: "arenas of
// peers and rooms keyed by opaque ids; all cross-references are ids,
// not owning pointers").
type Hub interface {
	Join(peerID, room string)
	Leave(peerID, room string)
	LeaveAll(peerID string)
	RoomsOf(peerID string) []string
	EmitToRoom(room, event string, data interface{}, exceptPeerID string) error
	Broadcast(event string, data interface{}, exceptPeerID string) error
	Deregister(peerID string)
}

const uploadInactivityTimeout = 30 * time.Second

// Upload tracks an in-progress chunked file transfer (spec.md §4.9).
type Upload struct {
	UploadID      string
	FileName      string
	FileSize      int64
	TotalChunks   int
	ChunkSize     int
	received      [][]byte
	receivedCount int
	timer         *time.Timer
}

// Peer represents one WebSocket-attached client.
type Peer struct {
	id        string
	conn      Conn
	hub       Hub
	enc       *wsencrypt.Encryptor
	cache     *msgcache.Cache
	logger    logging.Logger
	Request   *http.Request
	Namespace string

	mu      sync.RWMutex
	state   State
	pending []outboundFrame

	listenersMu sync.RWMutex
	listeners   map[string][]Listener

	callbacksMu sync.Mutex
	callbacks   map[string]CallbackFunc

	out      chan outboundFrame
	writeWG  sync.WaitGroup
	closedCh chan struct{}

	uploadMu sync.Mutex
	upload   *Upload

	disconnectOnce sync.Once
	onDisconnect   func(reason string)

	pongHookMu sync.Mutex
	pongHook   func()
}

// outboundFrame is the unit carried on the write pump's channel. A
// dedicated goroutine drains it so gorilla's *websocket.Conn, which is
// not safe for concurrent WriteMessage calls, is only ever touched by
// one writer (SPEC_FULL.md §2).
type outboundFrame struct {
	msgType int
	data    []byte
}

const outboundQueueSize = 256

// New constructs a Peer in StateConnecting. Emits made before Run()
// starts the receive loop (e.g. from a connection listener) queue
// onto pending and flush once Run() transitions the peer to
// StateConnected, so a "welcome" emit on connect is never dropped.
func New(id string, conn Conn, hub Hub, enc *wsencrypt.Encryptor, cache *msgcache.Cache, logger logging.Logger) *Peer {
	p := &Peer{
		id:        id,
		conn:      conn,
		hub:       hub,
		enc:       enc,
		cache:     cache,
		logger:    logger,
		state:     StateConnecting,
		listeners: make(map[string][]Listener),
		callbacks: make(map[string]CallbackFunc),
		out:       make(chan outboundFrame, outboundQueueSize),
		closedCh:  make(chan struct{}),
	}
	p.writeWG.Add(1)
	go p.writePump()
	return p
}

// writePump is the sole goroutine that calls conn.WriteMessage,
// draining the outbound channel in enqueue order until Disconnect
// closes closedCh. It never closes p.out itself, since multiple
// caller goroutines enqueue onto it concurrently; only closedCh is a
// single-writer signal.
func (p *Peer) writePump() {
	defer p.writeWG.Done()
	for {
		select {
		case <-p.closedCh:
			return
		case frame := <-p.out:
			if err := p.conn.WriteMessage(frame.msgType, frame.data); err != nil {
				return
			}
		}
	}
}

// enqueue implements the send state machine of spec.md §4.9:
// CONNECTING buffers onto pending for a one-shot flush once the peer
// opens, CONNECTED queues straight onto the write pump, DISCONNECTED
// silently drops. A full write-pump queue also drops silently rather
// than blocking the caller, since a slow peer must never stall the
// server's fan-out (spec.md §5: outbound drops for a
// disconnected/stalled peer are non-fatal).
func (p *Peer) enqueue(msgType int, data []byte) {
	frame := outboundFrame{msgType: msgType, data: data}

	p.mu.Lock()
	switch p.state {
	case StateConnecting:
		p.pending = append(p.pending, frame)
		p.mu.Unlock()
		return
	case StateDisconnected:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.out <- frame:
	case <-p.closedCh:
	default:
		if p.logger != nil {
			p.logger.Debugf("peer %s outbound queue full, dropping frame", p.id)
		}
	}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// setState transitions the peer's state, flushing any frames buffered
// while CONNECTING the moment it becomes CONNECTED (spec.md §4.9).
func (p *Peer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	var flush []outboundFrame
	if s == StateConnected && prev == StateConnecting && len(p.pending) > 0 {
		flush = p.pending
		p.pending = nil
	}
	p.mu.Unlock()

	for _, frame := range flush {
		select {
		case p.out <- frame:
		case <-p.closedCh:
			return
		default:
			if p.logger != nil {
				p.logger.Debugf("peer %s outbound queue full, dropping buffered frame", p.id)
			}
		}
	}
}

// OnDisconnect registers the callback invoked exactly once when this
// peer disconnects, for heartbeat deregistration and similar hooks.
func (p *Peer) OnDisconnect(fn func(reason string)) {
	p.onDisconnect = fn
}

// On registers a listener for event, matching the Node-style
// event-emitter surface described in spec.md §9.
func (p *Peer) On(event string, fn Listener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners[event] = append(p.listeners[event], fn)
}

func (p *Peer) listenersFor(event string) []Listener {
	p.listenersMu.RLock()
	defer p.listenersMu.RUnlock()
	return append([]Listener(nil), p.listeners[event]...)
}

func (p *Peer) fireLocal(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	for _, l := range p.listenersFor(event) {
		l(raw, func(interface{}) {})
	}
}

// Run starts the receive loop and blocks until the connection closes.
// Callers typically invoke this in its own goroutine.
func (p *Peer) Run() {
	p.setState(StateConnected)
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			p.Disconnect("read error")
			return
		}
		p.dispatch(messageType, data)
	}
}

const websocketBinaryMessage = 2

func (p *Peer) dispatch(messageType int, data []byte) {
	isBinary := messageType == websocketBinaryMessage
	env := wsproto.Parse(isBinary, string(data), data, p.enc)

	switch env.Type {
	case wsproto.TypePing:
		_ = p.sendEnvelope(wsproto.PongEnvelope())
	case wsproto.TypePong:
		p.handlePong()
	case wsproto.TypeBinary:
		p.dispatchBinary(env.BinaryData)
	case wsproto.TypeCallback:
		p.handleCallback(env)
	case wsproto.TypeError:
		p.fireLocal("error", map[string]string{"error": "decryption failed"})
	case wsproto.TypeEvent:
		p.handleEvent(env)
	}
}

func (p *Peer) handlePong() {
	p.pongHookMu.Lock()
	fn := p.pongHook
	p.pongHookMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Peer) handleCallback(env wsproto.Envelope) {
	if env.CallbackID == "" {
		return
	}
	p.callbacksMu.Lock()
	fn, ok := p.callbacks[env.CallbackID]
	if ok {
		delete(p.callbacks, env.CallbackID)
	}
	p.callbacksMu.Unlock()
	if ok {
		fn(env.Data)
	}
}

func (p *Peer) handleEvent(env wsproto.Envelope) {
	if env.Event == "file-chunk" {
		p.handleFileChunkMeta(env)
		return
	}

	var reply ReplyFunc
	if env.CallbackID != "" {
		var once sync.Once
		reply = func(data interface{}) {
			once.Do(func() {
				cbEnv, err := wsproto.NewCallbackEnvelope(env.CallbackID, data)
				if err == nil {
					_ = p.sendEnvelope(cbEnv)
				}
			})
		}
	} else {
		reply = func(interface{}) {}
	}

	for _, l := range p.listenersFor(env.Event) {
		p.invokeListener(l, env, reply)
	}
}

// invokeListener recovers a panicking listener and surfaces it as a
// local error event plus, if applicable, an error callback (spec.md
// §4.9 and §7: "Listener errors: caught and re-raised as a local
// error event").
func (p *Peer) invokeListener(l Listener, env wsproto.Envelope, reply ReplyFunc) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)
			p.fireLocal("error", map[string]string{"error": msg})
			if env.CallbackID != "" {
				cbEnv, err := wsproto.NewCallbackEnvelope(env.CallbackID, map[string]string{"error": msg})
				if err == nil {
					_ = p.sendEnvelope(cbEnv)
				}
			}
		}
	}()
	l(env.Data, reply)
}

func (p *Peer) dispatchBinary(payload []byte) {
	p.uploadMu.Lock()
	u := p.upload
	if u != nil {
		p.appendChunkLocked(u, payload)
		p.uploadMu.Unlock()
		return
	}
	p.uploadMu.Unlock()
	p.fireLocal("binary", payload)
}

type fileChunkMeta struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

func (p *Peer) handleFileChunkMeta(env wsproto.Envelope) {
	var meta fileChunkMeta
	if err := json.Unmarshal(env.Data, &meta); err != nil {
		return
	}

	p.uploadMu.Lock()
	defer p.uploadMu.Unlock()

	if meta.ChunkIndex == 0 || p.upload == nil {
		p.upload = &Upload{
			UploadID:    meta.UploadID,
			FileName:    meta.FileName,
			FileSize:    meta.FileSize,
			TotalChunks: meta.TotalChunks,
			ChunkSize:   meta.ChunkSize,
			received:    make([][]byte, meta.TotalChunks),
		}
	}
	p.resetUploadTimerLocked()
}

func (p *Peer) resetUploadTimerLocked() {
	if p.upload == nil {
		return
	}
	if p.upload.timer != nil {
		p.upload.timer.Stop()
	}
	p.upload.timer = time.AfterFunc(uploadInactivityTimeout, p.onUploadTimeout)
}

func (p *Peer) onUploadTimeout() {
	p.uploadMu.Lock()
	u := p.upload
	p.upload = nil
	p.uploadMu.Unlock()
	if u != nil {
		p.fireLocal("file-upload-error", map[string]string{"uploadId": u.UploadID, "reason": "timeout"})
	}
}

func (p *Peer) appendChunkLocked(u *Upload, chunk []byte) {
	if u.receivedCount >= len(u.received) {
		return
	}
	u.received[u.receivedCount] = chunk
	u.receivedCount++
	p.resetUploadTimerLocked()

	if u.receivedCount != u.TotalChunks {
		return
	}

	total := 0
	for _, c := range u.received {
		total += len(c)
	}
	bytes := make([]byte, 0, total)
	for _, c := range u.received {
		bytes = append(bytes, c...)
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	p.upload = nil

	p.fireLocal("file-upload", map[string]interface{}{
		"uploadId": u.UploadID,
		"fileName": u.FileName,
		"fileSize": u.FileSize,
		"bytes":    bytes,
	})
}

// Emit sends an event to this peer, per spec.md §4.9: binary data
// bypasses the codec and ignores cb; otherwise a one-shot callback
// listener is registered before the envelope is sent.
func (p *Peer) Emit(event string, data interface{}, cb CallbackFunc) error {
	if raw, ok := data.([]byte); ok {
		return p.sendBinary(raw)
	}

	var callbackID string
	if cb != nil {
		callbackID = newCallbackID()
		p.callbacksMu.Lock()
		p.callbacks[callbackID] = cb
		p.callbacksMu.Unlock()
	}

	env, err := wsproto.NewEventEnvelope(event, data, callbackID)
	if err != nil {
		return err
	}
	return p.sendEnvelope(env)
}

func newCallbackID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// sendEnvelope serializes env and hands it to enqueue, which applies
// the send state machine of spec.md §4.9: CONNECTING buffers until Run
// marks the peer connected, CONNECTED queues onto the write pump,
// DISCONNECTED silently drops.
func (p *Peer) sendEnvelope(env wsproto.Envelope) error {
	text, err := wsproto.Serialize(env, p.enc)
	if err != nil {
		return err
	}
	p.enqueue(websocketTextMessage, []byte(text))
	return nil
}

const websocketTextMessage = 1

func (p *Peer) sendBinary(payload []byte) error {
	p.enqueue(websocketBinaryMessage, payload)
	return nil
}

// SendPing implements heartbeat.Peer.
func (p *Peer) SendPing() error {
	return p.sendEnvelope(wsproto.PingEnvelope())
}

// SetPongHook lets the heartbeat layer learn about inbound pongs
// without Peer importing the heartbeat package; either the per-peer
// Manager or the shared BatchManager can be wired in this way.
func (p *Peer) SetPongHook(fn func()) {
	p.pongHookMu.Lock()
	p.pongHook = fn
	p.pongHookMu.Unlock()
}

// Room helpers (spec.md §4.9): join/leave/toRooms/broadcast all
// exclude self except for explicit whole-server broadcasts.

func (p *Peer) Join(room string)  { p.hub.Join(p.id, room) }
func (p *Peer) Leave(room string) { p.hub.Leave(p.id, room) }

func (p *Peer) JoinMany(rooms []string) {
	for _, r := range rooms {
		p.hub.Join(p.id, r)
	}
}

func (p *Peer) LeaveMany(rooms []string) {
	for _, r := range rooms {
		p.hub.Leave(p.id, r)
	}
}

func (p *Peer) Rooms() []string { return p.hub.RoomsOf(p.id) }

// To returns a RoomEmitter scoped to a single room, excluding this
// peer.
func (p *Peer) To(room string) RoomEmitter {
	return RoomEmitter{hub: p.hub, rooms: []string{room}, except: p.id}
}

// ToRooms returns a RoomEmitter scoped to multiple rooms.
func (p *Peer) ToRooms(rooms []string) RoomEmitter {
	return RoomEmitter{hub: p.hub, rooms: rooms, except: p.id}
}

// Broadcast returns a RoomEmitter for the whole server, excluding this
// peer.
func (p *Peer) Broadcast() RoomEmitter {
	return RoomEmitter{hub: p.hub, except: p.id, wholeServer: true}
}

// RoomEmitter is the fluent `to(room).emit(...)` / `broadcast.emit(...)`
// surface from spec.md §4.9.
type RoomEmitter struct {
	hub         Hub
	rooms       []string
	except      string
	wholeServer bool
}

func (r RoomEmitter) Emit(event string, data interface{}) error {
	if r.wholeServer {
		return r.hub.Broadcast(event, data, r.except)
	}
	var firstErr error
	for _, room := range r.rooms {
		if err := r.hub.EmitToRoom(room, event, data, r.except); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect is idempotent: stops heartbeat via onDisconnect, cancels
// the upload timer, removes the peer from every room, closes the
// socket, fires a local disconnect event, and asks the Hub to
// deregister (spec.md §4.9).
func (p *Peer) Disconnect(reason string) {
	p.disconnectOnce.Do(func() {
		p.setState(StateDisconnected)
		close(p.closedCh)

		p.uploadMu.Lock()
		if p.upload != nil && p.upload.timer != nil {
			p.upload.timer.Stop()
		}
		p.upload = nil
		p.uploadMu.Unlock()

		p.hub.LeaveAll(p.id)

		p.writeWG.Wait()
		_ = p.conn.Close()

		if p.onDisconnect != nil {
			p.onDisconnect(reason)
		}

		p.fireLocal("disconnect", map[string]string{"reason": reason})

		p.hub.Deregister(p.id)

		if p.logger != nil {
			p.logger.Debugf("peer %s disconnected: %s", p.id, reason)
		}
	})
}
