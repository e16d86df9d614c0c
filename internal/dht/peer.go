package dht

import (
	"fmt"
	"sync/atomic"
	"time"
)

// peerActiveWindow is how recently a peer must have been heard from to be
// considered live. A bucket head older than this is evicted without a ping
// probe.
const peerActiveWindow = 15 * time.Minute

// Peer describes a known DHT participant: its identifier, its UDP endpoint
// as a dotted-quad IPv4 address and port, and the last time we heard from
// it. Peers are shared by pointer between buckets and in-flight lookups;
// LastSeen is stored as unix milliseconds behind an atomic so Touch needs no
// lock.
type Peer struct {
	ID      NodeID
	Address string
	Port    int

	lastSeen atomic.Int64 // unix ms
}

// NewPeer creates a peer descriptor stamped with the current time.
func NewPeer(id NodeID, address string, port int) *Peer {
	p := &Peer{ID: id, Address: address, Port: port}
	p.Touch()
	return p
}

// Touch records that the peer was just heard from.
func (p *Peer) Touch() {
	p.lastSeen.Store(time.Now().UnixMilli())
}

// LastSeen returns the last-heard-from time.
func (p *Peer) LastSeen() time.Time {
	return time.UnixMilli(p.lastSeen.Load())
}

// setLastSeen backdates the peer; tests use it to age bucket heads.
func (p *Peer) setLastSeen(t time.Time) {
	p.lastSeen.Store(t.UnixMilli())
}

// Active reports whether the peer was heard from within the liveness
// window.
func (p *Peer) Active() bool {
	return time.Since(p.LastSeen()) < peerActiveWindow
}

// Endpoint returns "address:port".
func (p *Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// String renders the peer as "hexid@address:port".
func (p *Peer) String() string {
	return fmt.Sprintf("%s@%s:%d", p.ID, p.Address, p.Port)
}
