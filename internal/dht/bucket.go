package dht

import "sync"

// K is the maximum number of peers per k-bucket, and the default width of
// closest-peer queries.
const K = 20

// kBucket is an ordered list of up to K peers sharing a common-prefix
// length with the local identifier. Position 0 is the least-recently-seen
// peer (the eviction candidate); the tail is the most-recently-seen.
//
// Buckets are always held by pointer (the routing table allocates them
// once), so the embedded mutex is never copied.
type kBucket struct {
	mu    sync.Mutex
	peers []*Peer
}

// add inserts or refreshes a peer and reports whether it resides in the
// bucket afterwards.
//
// Rules, in order: a peer already present moves to the tail; a bucket with
// room appends; a full bucket whose head is stale (not heard from within
// the liveness window) drops the head and appends; otherwise the add is
// rejected and the head keeps its slot. Liveness is judged purely from the
// cached last-seen time; no ping probe is issued.
func (b *kBucket) add(p *Peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.peers {
		if existing.ID == p.ID {
			existing.Touch()
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, existing)
			return true
		}
	}

	if len(b.peers) < K {
		b.peers = append(b.peers, p)
		return true
	}

	if head := b.peers[0]; !head.Active() {
		b.peers = append(b.peers[1:len(b.peers):len(b.peers)], p)
		return true
	}
	return false
}

// remove erases a peer by identifier and reports whether it was present.
func (b *kBucket) remove(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.peers {
		if p.ID == id {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return true
		}
	}
	return false
}

// get returns the peer with the given identifier, or nil.
func (b *kBucket) get(id NodeID) *Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// list returns a snapshot of the bucket's peers, LRU first.
func (b *kBucket) list() []*Peer {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Peer, len(b.peers))
	copy(out, b.peers)
	return out
}

func (b *kBucket) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers) >= K
}

func (b *kBucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}
