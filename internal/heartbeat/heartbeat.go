package heartbeat

import (
	"sync"
	"time"
)

// Peer is the minimal surface a heartbeat manager needs from a
// connection: something to ping, and something to disconnect when it
// stops answering. internal/peer.Peer implements this.
type Peer interface {
	ID() string
	SendPing() error
	Disconnect(reason string)
}

// Manager is the per-peer heartbeat from spec.md §4.6: schedules pings
// every pingInterval, and after each ping starts an independent
// pingTimeout timer that disconnects the peer unless a Pong cancels
// it first.
type Manager struct {
	peer         Peer
	pingInterval time.Duration
	pingTimeout  time.Duration

	mu        sync.Mutex
	pingTimer *Timer
	toTimer   *Timer
	stopped   bool
}

func NewManager(peer Peer, pingInterval, pingTimeout time.Duration) *Manager {
	m := &Manager{peer: peer, pingInterval: pingInterval, pingTimeout: pingTimeout}
	m.pingTimer = NewTimer(m.sendPing)
	m.toTimer = NewTimer(m.timeout)
	return m
}

// Start begins the ping/timeout cycle.
func (m *Manager) Start() {
	m.pingTimer.Mod(m.pingInterval)
}

// Pong must be called whenever a pong frame arrives from the peer; it
// cancels the pending timeout and reschedules the next ping.
func (m *Manager) Pong() {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}
	m.toTimer.Del()
	m.pingTimer.Mod(m.pingInterval)
}

// Stop cancels both timers; it is idempotent and safe to call from
// the peer's disconnect path.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.pingTimer.Del()
	m.toTimer.Del()
}

func (m *Manager) sendPing() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_ = m.peer.SendPing()
	m.toTimer.Mod(m.pingTimeout)
}

func (m *Manager) timeout() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.peer.Disconnect("ping timeout")
}
