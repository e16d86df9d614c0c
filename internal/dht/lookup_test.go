package dht

import (
	"errors"
	"testing"
)

// synthNet is an in-memory network of synthetic peers for driving the
// lookup engine without sockets. Each peer answers FIND_NODE with its own
// k closest known contacts, like a real node would.
type synthNet struct {
	peers     map[NodeID]*Peer
	knowledge map[NodeID][]*Peer
	queries   map[NodeID]int
}

func newSynthNet() *synthNet {
	return &synthNet{
		peers:     make(map[NodeID]*Peer),
		knowledge: make(map[NodeID][]*Peer),
		queries:   make(map[NodeID]int),
	}
}

func (n *synthNet) addPeer(id NodeID) *Peer {
	p := NewPeer(id, "10.0.0.1", 4000+len(n.peers))
	n.peers[id] = p
	return p
}

// fullMesh gives every peer knowledge of every other peer.
func (n *synthNet) fullMesh() {
	for id := range n.peers {
		for other, p := range n.peers {
			if other != id {
				n.knowledge[id] = append(n.knowledge[id], p)
			}
		}
	}
}

func (n *synthNet) findNode(p *Peer, target NodeID) ([]*Peer, error) {
	if _, ok := n.peers[p.ID]; !ok {
		return nil, errors.New("unreachable peer")
	}
	n.queries[p.ID]++
	contacts := sortByDistance(n.knowledge[p.ID], target)
	if len(contacts) > K {
		contacts = contacts[:K]
	}
	return contacts, nil
}

// TestLookupConvergesToGlobalClosest builds a 32-node network and checks
// that a lookup from sparse seeds returns exactly the K globally closest
// peers, verified against a full-scan oracle.
func TestLookupConvergesToGlobalClosest(t *testing.T) {
	net := newSynthNet()
	self := RandomNodeID()
	for i := 0; i < 32; i++ {
		net.addPeer(RandomNodeID())
	}
	net.fullMesh()

	target := RandomNodeID()
	oracle := sortByDistance(peerList(net.peers), target)
	if len(oracle) > K {
		oracle = oracle[:K]
	}

	// Seed with only the three closest the "routing table" would give.
	seed := sortByDistance(peerList(net.peers), target)[:Alpha]

	l := newLookup(self, target, make(chan struct{})).nodeLookup(net.findNode)
	_, got, err := l.run(seed)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if len(got) != len(oracle) {
		t.Fatalf("got %d peers, oracle has %d", len(got), len(oracle))
	}
	for i := range got {
		if got[i].ID != oracle[i].ID {
			t.Fatalf("position %d: got %s, oracle %s", i, got[i].ID, oracle[i].ID)
		}
	}
}

// TestLookupWalksChains verifies the iteration follows strictly improving
// contacts hop by hop instead of stopping at the seed set.
func TestLookupWalksChains(t *testing.T) {
	net := newSynthNet()
	self := RandomNodeID()
	target := RandomNodeID()

	// A chain of peers, each one bit closer to the target and knowing
	// only the next.
	const hops = 12
	chain := make([]*Peer, hops)
	for i := 0; i < hops; i++ {
		chain[i] = net.addPeer(target.FlipBit(i))
	}
	for i := 0; i < hops-1; i++ {
		net.knowledge[chain[i].ID] = []*Peer{chain[i+1]}
	}

	l := newLookup(self, target, make(chan struct{})).nodeLookup(net.findNode)
	_, got, err := l.run([]*Peer{chain[0]})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if got[0].ID != chain[hops-1].ID {
		t.Fatalf("closest result is %s, want the chain end %s", got[0].ID, chain[hops-1].ID)
	}
	if net.queries[chain[hops-1].ID] == 0 {
		t.Fatal("lookup never reached the end of the chain")
	}
}

// TestLookupNoSeed verifies a lookup with no candidates fails with
// ErrNoPeers.
func TestLookupNoSeed(t *testing.T) {
	l := newLookup(RandomNodeID(), RandomNodeID(), make(chan struct{})).nodeLookup(
		func(p *Peer, target NodeID) ([]*Peer, error) {
			t.Fatal("no peer should ever be queried")
			return nil, nil
		})
	if _, _, err := l.run(nil); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}

// TestLookupAllPeersFail verifies a lookup whose every query errors
// reports failure rather than an empty success.
func TestLookupAllPeersFail(t *testing.T) {
	seed := []*Peer{
		NewPeer(RandomNodeID(), "10.0.0.1", 4000),
		NewPeer(RandomNodeID(), "10.0.0.2", 4001),
	}
	l := newLookup(RandomNodeID(), RandomNodeID(), make(chan struct{})).nodeLookup(
		func(p *Peer, target NodeID) ([]*Peer, error) {
			return nil, errors.New("timeout")
		})
	if _, _, err := l.run(seed); err == nil {
		t.Fatal("expected failure when no peer responds")
	}
}

// TestLookupShutdown verifies a lookup observes the shutdown flag at an
// RPC boundary.
func TestLookupShutdown(t *testing.T) {
	done := make(chan struct{})
	close(done)

	seed := []*Peer{NewPeer(RandomNodeID(), "10.0.0.1", 4000)}
	l := newLookup(RandomNodeID(), RandomNodeID(), done).nodeLookup(
		func(p *Peer, target NodeID) ([]*Peer, error) {
			t.Fatal("shut-down lookup must not query")
			return nil, nil
		})
	if _, _, err := l.run(seed); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

// TestValueLookupEarlyTerminate verifies the first value reply ends the
// lookup and the contact-only responders are reported for caching.
func TestValueLookupEarlyTerminate(t *testing.T) {
	net := newSynthNet()
	self := RandomNodeID()
	key := Key("the-key")
	target := HashKey(key)

	holder := net.addPeer(target.FlipBit(159)) // closest possible non-equal id
	misser := net.addPeer(target.FlipBit(0))
	net.knowledge[misser.ID] = []*Peer{holder}

	queried := 0
	l := newLookup(self, target, make(chan struct{})).valueLookup(key,
		func(p *Peer, k Key) ([]byte, []*Peer, error) {
			queried++
			if !k.Equal(key) {
				t.Fatalf("queried with wrong key %q", k)
			}
			if p.ID == holder.ID {
				return []byte("the-value"), nil, nil
			}
			return nil, net.knowledge[p.ID], nil
		})

	value, responders, err := l.run([]*Peer{misser})
	if err != nil {
		t.Fatalf("value lookup failed: %v", err)
	}
	if string(value) != "the-value" {
		t.Fatalf("got value %q", value)
	}
	if len(responders) != 1 || responders[0].ID != misser.ID {
		t.Fatal("the contact-only responder should be reported as the caching candidate")
	}
	if queried > 2 {
		t.Fatalf("lookup kept querying after the value was found: %d queries", queried)
	}
}

// TestValueLookupMiss verifies a value absent everywhere reports failure.
func TestValueLookupMiss(t *testing.T) {
	net := newSynthNet()
	for i := 0; i < 8; i++ {
		net.addPeer(RandomNodeID())
	}
	net.fullMesh()

	key := Key("missing")
	l := newLookup(RandomNodeID(), HashKey(key), make(chan struct{})).valueLookup(key,
		func(p *Peer, k Key) ([]byte, []*Peer, error) {
			return nil, net.knowledge[p.ID], nil
		})

	seed := peerList(net.peers)[:1]
	value, _, err := l.run(seed)
	if err != nil {
		t.Fatalf("lookup machinery failed: %v", err)
	}
	if value != nil {
		t.Fatalf("found a value that does not exist: %q", value)
	}
}
