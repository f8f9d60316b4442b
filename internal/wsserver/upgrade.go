package wsserver

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wsmesh/wsmesh/internal/heartbeat"
	"github.com/wsmesh/wsmesh/internal/namespace"
	"github.com/wsmesh/wsmesh/internal/peer"
)

// handleUpgrade implements the upgrade path of spec.md §4.11: reject a
// malformed request URL, resolve namespace by longest-prefix match,
// enforce capacity, run the server-then-namespace middleware chain,
// then hand off to the WebSocket upgrade and register the new Peer.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "too many upgrade attempts", http.StatusTooManyRequests)
		return
	}

	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	ns, ok := s.namespaces.Resolve(r.URL.Path)
	if !ok {
		http.Error(w, "namespace not found", http.StatusNotFound)
		return
	}

	if s.cfg.MaxConnections > 0 && s.peerCount() >= s.cfg.MaxConnections {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	peerID := uuid.NewString()

	s.middlewareMu.RLock()
	serverMW := append([]Middleware(nil), s.middleware...)
	s.middlewareMu.RUnlock()
	for _, mw := range serverMW {
		if err := mw(peerID, r); err != nil {
			http.Error(w, "middleware rejected connection", http.StatusInternalServerError)
			return
		}
	}
	if err := ns.RunMiddleware(peerID, map[string]interface{}{"query": query}); err != nil {
		http.Error(w, "middleware rejected connection", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("wsserver: upgrade failed: %v", err)
		return
	}

	p := peer.New(peerID, &wsConn{conn}, s, s.enc, s.cache, s.logger)
	p.Request = r
	p.Namespace = ns.Name

	s.registerPeer(p, ns)
	go p.Run()
}

func (s *Server) peerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func (s *Server) registerPeer(p *peer.Peer, ns *namespace.Namespace) {
	s.peersMu.Lock()
	s.peers[p.ID()] = p
	if s.batchHeartbeat != nil {
		s.batchHeartbeat.Register(p)
		p.SetPongHook(func() { s.batchHeartbeat.Pong(p.ID()) })
	} else {
		mgr := heartbeat.NewManager(p, s.cfg.PingInterval, s.cfg.PingTimeout)
		p.SetPongHook(mgr.Pong)
		s.hbMgrs[p.ID()] = mgr
		mgr.Start()
	}
	s.peersMu.Unlock()

	s.namespaces.AddPeer(ns, p.ID())
	p.OnDisconnect(func(string) { s.namespaces.RemovePeer(ns, p.ID()) })

	s.metrics.connectedPeers.Inc()

	s.connectionMu.RLock()
	listeners := append([]ConnectionListener(nil), s.connections...)
	s.connectionMu.RUnlock()
	for _, fn := range listeners {
		fn(p)
	}
	ns.FireConnection(p.ID())
}

// wsConn adapts *websocket.Conn to peer.Conn: gorilla's RemoteAddr
// returns net.Addr, but peer.Conn wants a string so tests can drive
// Peer with an in-memory fake that has no real network address.
type wsConn struct {
	*websocket.Conn
}

func (c *wsConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
