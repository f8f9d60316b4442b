// Package namespace implements spec.md §3/§4.8: a URL-path-scoped
// grouping of peers sharing middleware and "connection" listeners.
// The default namespace "/" always exists and cannot be destroyed.
package namespace

import (
	"sort"
	"strings"
	"sync"
)

// Middleware runs during the upgrade path for every peer entering a
// namespace; returning an error aborts the upgrade (spec.md §4.11).
type Middleware func(peerID string, data map[string]interface{}) error

// ConnectionListener fires once a peer has fully joined a namespace.
type ConnectionListener func(peerID string)

// Namespace groups peers under a path prefix with their own
// middleware chain and connection listeners.
type Namespace struct {
	Name string

	mu          sync.RWMutex
	peers       map[string]struct{}
	middleware  []Middleware
	connections []ConnectionListener
}

func newNamespace(name string) *Namespace {
	return &Namespace{Name: name, peers: make(map[string]struct{})}
}

func (ns *Namespace) Use(mw Middleware) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.middleware = append(ns.middleware, mw)
}

func (ns *Namespace) OnConnection(fn ConnectionListener) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.connections = append(ns.connections, fn)
}

// RunMiddleware executes this namespace's middleware chain in
// registration order, aborting on the first error.
func (ns *Namespace) RunMiddleware(peerID string, data map[string]interface{}) error {
	ns.mu.RLock()
	chain := append([]Middleware(nil), ns.middleware...)
	ns.mu.RUnlock()

	for _, mw := range chain {
		if err := mw(peerID, data); err != nil {
			return err
		}
	}
	return nil
}

// FireConnection notifies every registered connection listener that
// peerID has joined.
func (ns *Namespace) FireConnection(peerID string) {
	ns.mu.RLock()
	listeners := append([]ConnectionListener(nil), ns.connections...)
	ns.mu.RUnlock()

	for _, fn := range listeners {
		fn(peerID)
	}
}

func (ns *Namespace) addPeer(peerID string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.peers[peerID] = struct{}{}
}

func (ns *Namespace) removePeer(peerID string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.peers, peerID)
}

// Peers returns a snapshot of peer ids currently in this namespace.
func (ns *Namespace) Peers() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.peers))
	for id := range ns.peers {
		out = append(out, id)
	}
	return out
}

func (ns *Namespace) Size() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.peers)
}

// Registry owns every Namespace, keyed by path, and resolves incoming
// upgrade paths by longest-prefix match (spec.md §4.8).
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Namespace
	basePath string
}

// NewRegistry creates a Registry with the default "/" namespace
// always present and never destroyable, matching basePath to the
// server's configured base path (spec.md §4.8: "the default namespace
// '/' matching only the server's configured base path").
func NewRegistry(basePath string) *Registry {
	if basePath == "" {
		basePath = "/"
	}
	r := &Registry{byName: make(map[string]*Namespace), basePath: basePath}
	r.byName[basePath] = newNamespace(basePath)
	return r
}

// Of returns the namespace at path, creating it if it does not yet
// exist.
func (r *Registry) Of(path string) *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.byName[path]; ok {
		return ns
	}
	ns := newNamespace(path)
	r.byName[path] = ns
	return ns
}

// Resolve finds the namespace whose registered path is the longest
// prefix of requestPath. It returns (nil, false) if none matches.
func (r *Registry) Resolve(requestPath string) (*Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for name := range r.byName {
		if name == r.basePath {
			if requestPath == r.basePath {
				candidates = append(candidates, name)
			}
			continue
		}
		if strings.HasPrefix(requestPath, name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	return r.byName[candidates[0]], true
}

// AddPeer/RemovePeer route through the registry so Server code need
// not know which namespace a peer lives in ahead of time.
func (r *Registry) AddPeer(ns *Namespace, peerID string) { ns.addPeer(peerID) }
func (r *Registry) RemovePeer(ns *Namespace, peerID string) { ns.removePeer(peerID) }

// Names returns every registered namespace path, for stats.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	return out
}
