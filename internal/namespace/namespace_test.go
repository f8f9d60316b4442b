package namespace

import "testing"

func TestNewRegistryHasDefaultNamespace(t *testing.T) {
	r := NewRegistry("/")
	ns, ok := r.Resolve("/")
	if !ok {
		t.Fatal("expected default namespace to resolve")
	}
	if ns.Name != "/" {
		t.Errorf("expected default namespace name '/', got %q", ns.Name)
	}
}

func TestResolveLongestPrefixMatch(t *testing.T) {
	r := NewRegistry("/")
	r.Of("/chat")
	r.Of("/chat/admin")

	ns, ok := r.Resolve("/chat/admin/room1")
	if !ok {
		t.Fatal("expected a namespace to match")
	}
	if ns.Name != "/chat/admin" {
		t.Errorf("expected longest prefix '/chat/admin', got %q", ns.Name)
	}
}

func TestResolveFallsBackToShorterPrefix(t *testing.T) {
	r := NewRegistry("/")
	r.Of("/chat")

	ns, ok := r.Resolve("/chat/general")
	if !ok {
		t.Fatal("expected a namespace to match")
	}
	if ns.Name != "/chat" {
		t.Errorf("expected '/chat', got %q", ns.Name)
	}
}

func TestResolveNoMatch(t *testing.T) {
	r := NewRegistry("/app")
	if _, ok := r.Resolve("/other"); ok {
		t.Error("expected no namespace to match an unrelated path")
	}
}

func TestMiddlewareChainAbortsOnError(t *testing.T) {
	ns := newNamespace("/chat")
	var calledSecond bool
	ns.Use(func(peerID string, data map[string]interface{}) error {
		return errBoom
	})
	ns.Use(func(peerID string, data map[string]interface{}) error {
		calledSecond = true
		return nil
	})

	if err := ns.RunMiddleware("p1", nil); err == nil {
		t.Fatal("expected middleware error to propagate")
	}
	if calledSecond {
		t.Error("expected chain to abort after first middleware error")
	}
}

func TestConnectionListenersFire(t *testing.T) {
	ns := newNamespace("/chat")
	var got string
	ns.OnConnection(func(peerID string) { got = peerID })
	ns.FireConnection("p1")
	if got != "p1" {
		t.Errorf("expected listener to observe p1, got %q", got)
	}
}

func TestAddRemovePeerTracksSize(t *testing.T) {
	ns := newNamespace("/chat")
	ns.addPeer("p1")
	ns.addPeer("p2")
	if ns.Size() != 2 {
		t.Fatalf("expected size 2, got %d", ns.Size())
	}
	ns.removePeer("p1")
	if ns.Size() != 1 {
		t.Errorf("expected size 1 after remove, got %d", ns.Size())
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errBoom = testErr("boom")
