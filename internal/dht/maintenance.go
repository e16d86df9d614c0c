package dht

import (
	"log"
	"time"
)

// maintenanceInterval separates maintenance passes. A pass never overlaps
// itself: the loop is a single goroutine that sleeps between passes.
const maintenanceInterval = 10 * time.Minute

// maintenanceLoop runs bucket refresh, republish, and expiry every
// maintenanceInterval until shutdown. The sleep is cancellable so Close
// never waits out the interval.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return
		case <-time.After(maintenanceInterval):
		}
		n.runMaintenance()
	}
}

// runMaintenance performs one pass. Republish runs before expire so a
// record that was just re-stored survives the sweep.
func (n *Node) runMaintenance() {
	n.refreshBuckets()
	n.republish()
	n.expire()
}

// refreshBuckets issues a lookup toward each bucket's range by flipping
// one bit of the local identifier per bucket index.
func (n *Node) refreshBuckets() {
	for i := 0; i < IDBits; i++ {
		select {
		case <-n.done:
			return
		default:
		}
		// Failed lookups are normal in a sparse table; the point is the
		// routing-table traffic the attempts generate.
		n.nodeLookup(n.id.FlipBit(i))
	}
}

// republish replicates every stored record to its current k closest peers.
// It walks a snapshot so replication never re-enters the store mid-sweep.
func (n *Node) republish() {
	records, err := n.store.Entries()
	if err != nil {
		log.Printf("dht: republish snapshot: %v", err)
		return
	}
	for _, r := range records {
		select {
		case <-n.done:
			return
		default:
		}
		n.replicate(r.Key, r.Value)
	}
	if len(records) > 0 {
		n.feed.Publish("republish", time.Now().Format(time.RFC3339))
	}
}

// expire drops records older than the record TTL.
func (n *Node) expire() {
	if removed := n.store.ExpireBefore(time.Now().Add(-recordTTL)); removed > 0 {
		log.Printf("dht: expired %d records", removed)
	}
}
