// Package wsserver implements the Server described in spec.md §4.11:
// the WebSocket upgrade path, server/namespace middleware chains,
// emitToRoom/broadcast orchestration (adapter relay first, then local
// fan-out), and the operational surface (/healthz, /metrics, Stats())
// supplemented around it. It is the arena that wires together
// RoomIndex, Namespace, Peer, and Adapter through the minimal peer.Hub
// interface, matching spec.md §9's "cross-references are ids, not
// owning pointers" rule.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wsmesh/wsmesh/internal/adapter"
	"github.com/wsmesh/wsmesh/internal/config"
	"github.com/wsmesh/wsmesh/internal/connrate"
	"github.com/wsmesh/wsmesh/internal/heartbeat"
	"github.com/wsmesh/wsmesh/internal/logging"
	"github.com/wsmesh/wsmesh/internal/msgcache"
	"github.com/wsmesh/wsmesh/internal/msgqueue"
	"github.com/wsmesh/wsmesh/internal/namespace"
	"github.com/wsmesh/wsmesh/internal/peer"
	"github.com/wsmesh/wsmesh/internal/roomindex"
	"github.com/wsmesh/wsmesh/internal/wsencrypt"
)

// Middleware runs during the upgrade path at server scope, before any
// namespace-level middleware (spec.md §4.8/§4.11).
type Middleware func(peerID string, r *http.Request) error

// ConnectionListener fires once a peer has been fully registered.
// Server-level listeners fire first, then the namespace-level ones
// (spec.md §4.8).
type ConnectionListener func(p *peer.Peer)

// Server is the ServerState of spec.md §3: id, peer registry, room
// index, namespace registry, adapter, caches/queues, and the HTTP
// listener that drives all of it.
type Server struct {
	id     string
	cfg    config.Config
	logger logging.Logger

	rooms      *roomindex.Index
	namespaces *namespace.Registry
	adapter    adapter.Adapter
	cache      *msgcache.Cache
	queue      *msgqueue.Queue
	enc        *wsencrypt.Encryptor

	batchHeartbeat *heartbeat.BatchManager

	peersMu sync.RWMutex
	peers   map[string]*peer.Peer
	hbMgrs  map[string]*heartbeat.Manager

	middlewareMu sync.RWMutex
	middleware   []Middleware

	connectionMu sync.RWMutex
	connections  []ConnectionListener

	upgrader websocket.Upgrader
	limiter  *connrate.Limiter

	metrics  *metrics
	registry *prometheus.Registry

	httpServer *http.Server
}

// New wires every module of spec.md §4 into one Server, following the
// construction order of the teacher's device.NewDevice: validate
// inputs that can fail fast (encryption key), then assemble
// dependency-free components before the ones that depend on them. The
// adapter is supplied by the caller (cmd/wsserver) since only it knows
// how to dial Redis/Mongo; a nil adapter defaults to an in-process
// MemoryAdapter for single-instance deployments.
func New(cfg config.Config, logger logging.Logger, a adapter.Adapter) (*Server, error) {
	enc, err := wsencrypt.New(wsencrypt.Config{
		Key:             []byte(cfg.Encryption.Key),
		Algorithm:       wsencrypt.Algorithm(cfg.Encryption.Algorithm),
		Enabled:         cfg.Encryption.Enabled,
		CacheSize:       cfg.Encryption.CacheSize,
		CacheTTLSeconds: int(cfg.Encryption.CacheTTL.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("wsserver: %w", err)
	}

	if a == nil {
		a = adapter.NewMemoryAdapter()
	}

	var cache *msgcache.Cache
	if cfg.MessageCache.Enabled {
		cache = msgcache.New(cfg.MessageCache.MaxSize, cfg.MessageCache.TTL)
	}

	var queue *msgqueue.Queue
	if cfg.UseMessageQueue {
		queue = msgqueue.New(msgqueue.Options{
			MaxSize:         cfg.MessageQueue.MaxSize,
			BatchSize:       cfg.MessageQueue.BatchSize,
			ProcessInterval: cfg.MessageQueue.ProcessInterval,
			OnError: func(err error) {
				logger.Errorf("msgqueue: send failed: %v", err)
			},
		})
	}

	reg := prometheus.NewRegistry()
	rooms := roomindex.New()

	s := &Server{
		id:         "server-" + uuid.NewString(),
		cfg:        cfg,
		logger:     logger,
		rooms:      rooms,
		namespaces: namespace.NewRegistry(cfg.Path),
		adapter:    a,
		cache:      cache,
		queue:      queue,
		enc:        enc,
		peers:      make(map[string]*peer.Peer),
		hbMgrs:     make(map[string]*heartbeat.Manager),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		limiter:    connrate.New(),
		registry:   reg,
	}
	s.metrics = newMetrics(reg, rooms.RoomCount, func() uint64 {
		if queue == nil {
			return 0
		}
		return queue.Dropped()
	})
	if cfg.UseBatchHeartbeat {
		s.batchHeartbeat = heartbeat.NewBatchManager(cfg.PingInterval, cfg.PingTimeout)
	}
	return s, nil
}

// ID reports this server's opaque instance id (spec.md §3 ServerState).
func (s *Server) ID() string { return s.id }

// Use registers server-level middleware, run before any namespace
// middleware during the upgrade path.
func (s *Server) Use(mw Middleware) {
	s.middlewareMu.Lock()
	defer s.middlewareMu.Unlock()
	s.middleware = append(s.middleware, mw)
}

// OnConnection registers a server-level connection listener, fired
// before namespace-level listeners (spec.md §4.8).
func (s *Server) OnConnection(fn ConnectionListener) {
	s.connectionMu.Lock()
	defer s.connectionMu.Unlock()
	s.connections = append(s.connections, fn)
}

// Of exposes namespace registration (middleware, connection listeners,
// event wiring) to callers configuring the server before Start.
func (s *Server) Of(path string) *namespace.Namespace { return s.namespaces.Of(path) }

// Start launches the adapter relay subscription, the heartbeat
// manager, the message queue worker, and the HTTP listener. It blocks
// until the listener stops (normally via Close), matching the
// teacher's device.Device lifecycle of explicit Start/Close rather
// than doing work in the constructor.
func (s *Server) Start(ctx context.Context) error {
	if err := s.adapter.Init(ctx, s.id); err != nil {
		return fmt.Errorf("wsserver: adapter init: %w", err)
	}
	s.adapter.Subscribe(s.handleAdapterMessage)
	if err := s.adapter.RegisterServer(ctx); err != nil {
		return fmt.Errorf("wsserver: adapter register: %w", err)
	}

	if s.batchHeartbeat != nil {
		s.batchHeartbeat.Start()
	}
	if s.queue != nil {
		s.queue.Start()
	}

	addr := net.JoinHostPort(s.cfg.Host, portString(s.cfg.Port))
	s.httpServer = &http.Server{Addr: addr, Handler: s.router()}

	s.logger.Infof("wsserver: listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	return nil
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// router builds the HTTP handler tree, factored out of Start so tests
// can drive it with httptest.NewServer without binding a real port.
func (s *Server) router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth)
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	router.PathPrefix("/").HandlerFunc(s.handleUpgrade)
	return router
}

// Close performs the graceful shutdown named in spec.md §4.11: stop
// accepting new connections, disconnect every peer, then stop the
// shared background loops, bounded to 2s the way zulfikawr/warp's
// Shutdown(ctx) is.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.peersMu.Lock()
	toDisconnect := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		toDisconnect = append(toDisconnect, p)
	}
	s.peersMu.Unlock()
	for _, p := range toDisconnect {
		p.Disconnect("server shutdown")
	}

	if s.batchHeartbeat != nil {
		s.batchHeartbeat.Stop()
	}
	if s.queue != nil {
		s.queue.Stop()
	}
	s.limiter.Close()
	_ = s.adapter.UnregisterServer(ctx)
	s.adapter.Unsubscribe()
	return s.adapter.Close(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "serverId": s.id})
}

// Stats returns the JSON-serializable snapshot spec.md §3 names
// informally (the supplemented /metrics endpoint is the Prometheus
// equivalent of the same data).
type Stats struct {
	ServerID   string   `json:"serverId"`
	PeerCount  int      `json:"peerCount"`
	RoomCount  int      `json:"roomCount"`
	Namespaces []string `json:"namespaces"`
	ServerIDs  []string `json:"serverIds"`
}

func (s *Server) Stats(ctx context.Context) Stats {
	ids, err := s.adapter.GetServerIDs(ctx)
	if err != nil {
		ids = []string{s.id}
	}
	s.peersMu.RLock()
	peerCount := len(s.peers)
	s.peersMu.RUnlock()
	return Stats{
		ServerID:   s.id,
		PeerCount:  peerCount,
		RoomCount:  s.rooms.RoomCount(),
		Namespaces: s.namespaces.Names(),
		ServerIDs:  ids,
	}
}
