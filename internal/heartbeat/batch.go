package heartbeat

import (
	"sync"
	"time"
)

// BatchManager is the shared-timer heartbeat from spec.md §4.6: one
// ticker serves every registered peer instead of one timer per peer,
// for deployments with large connection counts. Per tick it
// disconnects any peer whose last pong exceeds pingTimeout, otherwise
// sends a ping and records lastActivity.
type BatchManager struct {
	pingInterval time.Duration
	pingTimeout  time.Duration

	mu    sync.Mutex
	peers map[string]*batchEntry

	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

type batchEntry struct {
	peer         Peer
	lastPong     time.Time
	lastActivity time.Time
}

func NewBatchManager(pingInterval, pingTimeout time.Duration) *BatchManager {
	return &BatchManager{
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		peers:        make(map[string]*batchEntry),
	}
}

// Register subscribes a peer to the shared heartbeat tick.
func (b *BatchManager) Register(p Peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.peers[p.ID()] = &batchEntry{peer: p, lastPong: now, lastActivity: now}
}

// Unregister removes a peer, e.g. on disconnect.
func (b *BatchManager) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, id)
}

// Pong records that id answered the most recent ping.
func (b *BatchManager) Pong(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.peers[id]; ok {
		e.lastPong = time.Now()
	}
}

// Start launches the shared ticker. Idempotent.
func (b *BatchManager) Start() {
	b.mu.Lock()
	if b.ticker != nil {
		b.mu.Unlock()
		return
	}
	b.ticker = time.NewTicker(b.pingInterval)
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run()
}

// Stop halts the ticker and waits for the run loop to exit.
func (b *BatchManager) Stop() {
	b.mu.Lock()
	if b.ticker == nil {
		b.mu.Unlock()
		return
	}
	ticker := b.ticker
	stop := b.stop
	done := b.done
	b.ticker = nil
	b.mu.Unlock()

	ticker.Stop()
	close(stop)
	<-done
}

func (b *BatchManager) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.ticker.C:
			b.tick()
		}
	}
}

func (b *BatchManager) tick() {
	now := time.Now()

	b.mu.Lock()
	toDisconnect := make([]Peer, 0)
	toPing := make([]Peer, 0)
	for id, e := range b.peers {
		if now.Sub(e.lastPong) > b.pingTimeout {
			toDisconnect = append(toDisconnect, e.peer)
			delete(b.peers, id)
			continue
		}
		e.lastActivity = now
		toPing = append(toPing, e.peer)
	}
	b.mu.Unlock()

	for _, p := range toDisconnect {
		p.Disconnect("ping timeout")
	}
	for _, p := range toPing {
		_ = p.SendPing()
	}
}

// Count reports the number of peers currently subscribed.
func (b *BatchManager) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
