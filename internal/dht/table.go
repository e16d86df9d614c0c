package dht

import (
	"sort"
	"sync"
)

// RoutingTable maintains IDBits k-buckets keyed by the common-prefix length
// between the local identifier and a peer's identifier. Bucket i holds
// peers whose identifier first differs from the local identifier at bit i.
// The local identifier itself is never inserted.
type RoutingTable struct {
	mu      sync.RWMutex
	self    NodeID
	buckets [IDBits]*kBucket
}

// NewRoutingTable creates an empty routing table for the given local
// identifier.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = &kBucket{}
	}
	return rt
}

// Self returns the local identifier.
func (rt *RoutingTable) Self() NodeID {
	return rt.self
}

// Add dispatches the peer to its bucket and reports whether it resides in
// the table afterwards. The local identifier is refused.
func (rt *RoutingTable) Add(p *Peer) bool {
	if p.ID == rt.self {
		return false
	}
	return rt.buckets[BucketIndex(rt.self, p.ID)].add(p)
}

// Remove erases a peer by identifier and reports whether it was present.
func (rt *RoutingTable) Remove(id NodeID) bool {
	return rt.buckets[BucketIndex(rt.self, id)].remove(id)
}

// Get returns the peer with the given identifier, or nil.
func (rt *RoutingTable) Get(id NodeID) *Peer {
	return rt.buckets[BucketIndex(rt.self, id)].get(id)
}

// Touch refreshes the last-seen time of a known peer, or inserts it when
// absent. Called for the sender of every inbound RPC.
func (rt *RoutingTable) Touch(id NodeID, address string, port int) {
	if p := rt.Get(id); p != nil {
		p.Touch()
		// Re-add so the peer moves to the MRU tail of its bucket.
		rt.Add(p)
		return
	}
	rt.Add(NewPeer(id, address, port))
}

// Closest returns up to n peers sorted by ascending XOR distance to the
// target, ties broken by identifier ascending. The table lock is held
// across the bucket aggregation so the result is a consistent snapshot.
func (rt *RoutingTable) Closest(target NodeID, n int) []*Peer {
	rt.mu.RLock()
	var all []*Peer
	for _, b := range rt.buckets {
		all = append(all, b.list()...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if DistanceLess(target, all[i].ID, all[j].ID) {
			return true
		}
		if DistanceLess(target, all[j].ID, all[i].ID) {
			return false
		}
		return all[i].ID.Less(all[j].ID)
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns every peer in the table as a consistent snapshot.
func (rt *RoutingTable) All() []*Peer {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*Peer
	for _, b := range rt.buckets {
		all = append(all, b.list()...)
	}
	return all
}

// Size returns the total number of peers across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, b := range rt.buckets {
		total += b.size()
	}
	return total
}
