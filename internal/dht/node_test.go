package dht

import (
	"bytes"
	"testing"
	"time"
)

// startTestNode creates and starts a node on an ephemeral loopback port.
func startTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(Config{Port: 0})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(node.Close)
	return node
}

// TestPingAddrLearnsPeer verifies a ping round-trip and that both sides
// learn each other.
func TestPingAddrLearnsPeer(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)

	if err := b.PingAddr("127.0.0.1", a.Port()); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if a.Table().Get(b.ID()) == nil {
		t.Fatal("A should have learned B from the inbound ping")
	}
	if b.Table().Get(a.ID()) == nil {
		t.Fatal("B should have learned A from the ping reply")
	}

	// Ping by identifier now that the peer is in the table.
	if err := b.Ping(a.ID()); err != nil {
		t.Fatalf("ping by id: %v", err)
	}
}

// TestPingUnknownPeer verifies pinging an identifier that is not in the
// routing table fails fast.
func TestPingUnknownPeer(t *testing.T) {
	a := startTestNode(t)
	if err := a.Ping(RandomNodeID()); err == nil {
		t.Fatal("ping of an unknown identifier should fail")
	}
}

// TestTwoNodeStoreGet is the canonical two-node scenario: B bootstraps to
// A, B stores a record, A reads it back within two seconds.
func TestTwoNodeStoreGet(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	stored := make(chan bool, 1)
	b.Store(Key("hello"), []byte("world"), func(ok bool, value []byte) {
		stored <- ok
	})
	select {
	case ok := <-stored:
		if !ok {
			t.Fatal("store reported failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store did not resolve within 2s")
	}

	type result struct {
		ok    bool
		value []byte
	}
	got := make(chan result, 1)
	a.FindValue(Key("hello"), func(ok bool, value []byte) {
		got <- result{ok, value}
	})
	select {
	case r := <-got:
		if !r.ok || !bytes.Equal(r.value, []byte("world")) {
			t.Fatalf("get returned (%t, %q), want (true, world)", r.ok, r.value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("get did not resolve within 2s")
	}
}

// TestFindValueAcrossNetwork verifies the network path of a value lookup:
// the record lives only on the remote node.
func TestFindValueAcrossNetwork(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	if err := a.Records().Put(Key("remote"), []byte("payload")); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	type result struct {
		ok    bool
		value []byte
	}
	got := make(chan result, 1)
	b.FindValue(Key("remote"), func(ok bool, value []byte) {
		got <- result{ok, value}
	})
	select {
	case r := <-got:
		if !r.ok || !bytes.Equal(r.value, []byte("payload")) {
			t.Fatalf("network get returned (%t, %q)", r.ok, r.value)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("network get did not resolve")
	}
}

// TestFindValueMiss verifies a lookup for an absent key reports failure
// through the callback.
func TestFindValueMiss(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	got := make(chan bool, 1)
	b.FindValue(Key("never-stored"), func(ok bool, value []byte) {
		got <- ok
	})
	select {
	case ok := <-got:
		if ok {
			t.Fatal("lookup of an absent key reported success")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("miss did not resolve")
	}
}

// TestFindNodeReturnsPeers verifies the public FindNode callback fires
// with the known overlay members.
func TestFindNodeReturnsPeers(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	got := make(chan []*Peer, 1)
	b.FindNode(a.ID(), func(ok bool, peers []*Peer) {
		if !ok {
			got <- nil
			return
		}
		got <- peers
	})

	select {
	case peers := <-got:
		if len(peers) == 0 {
			t.Fatal("expected at least one peer")
		}
		found := false
		for _, p := range peers {
			if p.ID == a.ID() {
				found = true
			}
		}
		if !found {
			t.Fatal("target node missing from FindNode result")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("FindNode did not resolve")
	}
}

// TestConnectLoopback is the loopback hole-punch scenario: the ladder's
// local shortcut succeeds against the peer's main socket, which
// acknowledges probe datagrams.
func TestConnectLoopback(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	type result struct {
		ok      bool
		address string
		port    int
	}
	got := make(chan result, 1)
	b.Connect(a.ID(), func(ok bool, address string, port int) {
		got <- result{ok, address, port}
	})

	select {
	case r := <-got:
		if !r.ok {
			t.Fatal("loopback connect failed")
		}
		if r.address != "127.0.0.1" || r.port != a.Port() {
			t.Fatalf("connected to %s:%d, want 127.0.0.1:%d", r.address, r.port, a.Port())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not resolve")
	}
}

// TestConnectUnknownPeer verifies connecting to an identifier not in the
// routing table fails immediately.
func TestConnectUnknownPeer(t *testing.T) {
	a := startTestNode(t)

	got := make(chan bool, 1)
	a.Connect(RandomNodeID(), func(ok bool, address string, port int) {
		got <- ok
	})
	select {
	case ok := <-got:
		if ok {
			t.Fatal("connect to unknown peer reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("connect to unknown peer should fail immediately")
	}
}

// TestStoreReplicatesToClosestPeers verifies a store lands on the remote
// replica, not only locally.
func TestStoreReplicatesToClosestPeers(t *testing.T) {
	a := startTestNode(t)
	b := startTestNode(t)
	b.Bootstrap("127.0.0.1", a.Port())

	stored := make(chan bool, 1)
	b.Store(Key("replicated"), []byte("copy"), func(ok bool, value []byte) {
		stored <- ok
	})
	<-stored

	// The STORE RPC is fire-and-forget; give A a moment to process it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.Records().Get(Key("replicated")); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("record never arrived on the replica")
}

// TestNodeCloseIsIdempotent verifies double Close does not panic or hang.
func TestNodeCloseIsIdempotent(t *testing.T) {
	node, err := NewNode(Config{Port: 0})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	node.Close()
	node.Close()
}
