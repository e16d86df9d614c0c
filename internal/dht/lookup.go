package dht

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Alpha is the Kademlia parallelism width: the number of RPCs a lookup
// keeps in flight per wave.
const Alpha = 3

// ErrNoPeers is returned when a lookup has no candidates to query.
var ErrNoPeers = errors.New("dht: no peers to query")

// ErrShuttingDown is returned when a lookup observes node shutdown at an
// RPC boundary.
var ErrShuttingDown = errors.New("dht: node shutting down")

// findNodeFunc issues a FIND_NODE RPC to one peer and returns the contacts
// it replied with.
type findNodeFunc func(p *Peer, target NodeID) ([]*Peer, error)

// findValueFunc issues a FIND_VALUE RPC to one peer. On success exactly one
// of value and peers is non-nil.
type findValueFunc func(p *Peer, key Key) (value []byte, peers []*Peer, err error)

// probeResult is one peer's answer within a wave.
type probeResult struct {
	peer  *Peer
	value []byte // value lookups only
	peers []*Peer
	err   error
}

// lookup is one iterative node- or value-lookup: seeded from the routing
// table, widened wave by wave through the injected query function, finished
// when the candidate frontier stops improving. Injection lets tests drive
// the engine against synthetic networks without sockets.
type lookup struct {
	id     string // correlation id for logs and the event feed
	self   NodeID
	target NodeID
	k      int
	done   <-chan struct{}

	// probe queries a single peer. For node lookups value is always nil.
	probe func(p *Peer) probeResult
}

func newLookup(self, target NodeID, done <-chan struct{}) *lookup {
	return &lookup{
		id:     uuid.New().String(),
		self:   self,
		target: target,
		k:      K,
		done:   done,
	}
}

// nodeLookup configures the lookup as a FIND_NODE iteration.
func (l *lookup) nodeLookup(fn findNodeFunc) *lookup {
	l.probe = func(p *Peer) probeResult {
		peers, err := fn(p, l.target)
		return probeResult{peer: p, peers: peers, err: err}
	}
	return l
}

// valueLookup configures the lookup as a FIND_VALUE iteration for the
// given key.
func (l *lookup) valueLookup(key Key, fn findValueFunc) *lookup {
	l.probe = func(p *Peer) probeResult {
		value, peers, err := fn(p, key)
		return probeResult{peer: p, value: value, peers: peers, err: err}
	}
	return l
}

// run drives the iteration to completion.
//
// Each wave queries the Alpha closest unqueried candidates in parallel,
// merges every contact the responders return, and re-sorts. A wave that
// brings nothing closer than the best peer already known widens the next
// wave to the k closest unqueried candidates, so the iteration ends only
// when the k closest known peers have all been queried, when no unqueried
// candidate remains, or — for value lookups — as soon as a responder
// returns the value itself.
//
// The return values are the value (nil for node lookups), the k closest
// peers that responded with contacts, and an error when the lookup could
// not produce anything at all.
func (l *lookup) run(seed []*Peer) ([]byte, []*Peer, error) {
	if len(seed) == 0 {
		return nil, nil, ErrNoPeers
	}

	known := make(map[NodeID]*Peer, len(seed))
	queried := map[NodeID]bool{l.self: true}
	responded := make(map[NodeID]*Peer)
	for _, p := range seed {
		if p.ID != l.self {
			known[p.ID] = p
		}
	}

	var value []byte
	improving := true
	for value == nil {
		select {
		case <-l.done:
			return nil, nil, ErrShuttingDown
		default:
		}

		if l.closestAllQueried(known, queried) {
			break
		}
		// While rounds keep finding closer peers, query Alpha at a time.
		// Once a full round stops improving, sweep the rest of the k
		// closest so the lookup terminates with all of them queried.
		width := Alpha
		if !improving {
			width = l.k
		}
		wave := l.nextWave(known, queried, width)
		if len(wave) == 0 {
			break
		}
		best := l.bestKnownDistance(known)

		results := make([]probeResult, len(wave))
		var wg sync.WaitGroup
		for i, p := range wave {
			queried[p.ID] = true
			wg.Add(1)
			go func(i int, p *Peer) {
				defer wg.Done()
				results[i] = l.probe(p)
			}(i, p)
		}
		wg.Wait()

		improved := false
		for _, r := range results {
			if r.err != nil {
				continue
			}
			if r.value != nil {
				if value == nil {
					value = r.value
				}
				continue
			}
			responded[r.peer.ID] = r.peer
			for _, p := range r.peers {
				if p.ID == l.self {
					continue
				}
				if _, seen := known[p.ID]; seen {
					continue
				}
				known[p.ID] = p
				if XOR(l.target, p.ID).Less(best) {
					improved = true
				}
			}
		}
		improving = improved
	}

	result := sortByDistance(peerList(responded), l.target)
	if len(result) > l.k {
		result = result[:l.k]
	}
	if value == nil && len(result) == 0 {
		return nil, nil, ErrNoPeers
	}
	return value, result, nil
}

// nextWave returns up to width unqueried known peers closest to the
// target.
func (l *lookup) nextWave(known map[NodeID]*Peer, queried map[NodeID]bool, width int) []*Peer {
	var unqueried []*Peer
	for id, p := range known {
		if !queried[id] {
			unqueried = append(unqueried, p)
		}
	}
	unqueried = sortByDistance(unqueried, l.target)
	if len(unqueried) > width {
		unqueried = unqueried[:width]
	}
	return unqueried
}

// closestAllQueried reports whether every one of the k closest known peers
// has already been queried.
func (l *lookup) closestAllQueried(known map[NodeID]*Peer, queried map[NodeID]bool) bool {
	all := sortByDistance(peerList(known), l.target)
	if len(all) > l.k {
		all = all[:l.k]
	}
	if len(all) == 0 {
		return true
	}
	for _, p := range all {
		if !queried[p.ID] {
			return false
		}
	}
	return true
}

// bestKnownDistance returns the XOR distance of the closest known peer.
func (l *lookup) bestKnownDistance(known map[NodeID]*Peer) NodeID {
	var best NodeID
	for i := range best {
		best[i] = 0xff
	}
	for _, p := range known {
		if d := XOR(l.target, p.ID); d.Less(best) {
			best = d
		}
	}
	return best
}

func peerList(m map[NodeID]*Peer) []*Peer {
	out := make([]*Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// sortByDistance returns a copy of peers ordered by ascending XOR distance
// to the target, ties broken by identifier ascending.
func sortByDistance(peers []*Peer, target NodeID) []*Peer {
	out := make([]*Peer, len(peers))
	copy(out, peers)
	sort.Slice(out, func(i, j int) bool {
		if DistanceLess(target, out[i].ID, out[j].ID) {
			return true
		}
		if DistanceLess(target, out[j].ID, out[i].ID) {
			return false
		}
		return out[i].ID.Less(out[j].ID)
	})
	return out
}
