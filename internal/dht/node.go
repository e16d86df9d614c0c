package dht

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ssd-technologies/vesper/internal/punch"
)

// rpcTimeout bounds how long a caller waits for the reply to a single RPC.
const rpcTimeout = 5 * time.Second

// Config holds node configuration, populated from command-line flags.
type Config struct {
	Port          int    // UDP listen port; 0 asks the OS for one
	AdvertiseAddr string // IPv4 address written into outbound envelopes (default 127.0.0.1)
	Bootstrap     string // "addr:port" of an existing peer; empty runs as a bootstrap node
	StorePath     string // record store DSN; default ":memory:"
}

// Node is a Kademlia DHT peer with NAT traversal. It ties together the
// routing table, the UDP transport, the record store, the lookup engine,
// and the hole puncher, and implements the request side of every RPC kind.
//
// Public API calls take a callback and return immediately; the callback
// fires exactly once when the operation resolves.
type Node struct {
	id        NodeID
	cfg       Config
	table     *RoutingTable
	transport *Transport
	store     *RecordStore
	puncher   *punch.Puncher
	feed      *Feed

	// Pending RPCs keyed by the queried peer's advertised endpoint.
	// Replies are matched by the sender endpoint in the envelope, which
	// also covers first contact with a bootstrap peer whose identifier we
	// do not know yet.
	mu      sync.Mutex
	pending map[string]chan *Message

	done    chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

// NewNode creates an unstarted node with a fresh random identifier.
func NewNode(cfg Config) (*Node, error) {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = ":memory:"
	}

	store, err := NewRecordStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	id := RandomNodeID()
	return &Node{
		id:        id,
		cfg:       cfg,
		table:     NewRoutingTable(id),
		transport: NewTransport(),
		store:     store,
		puncher:   punch.NewPuncher(),
		feed:      NewFeed(),
		pending:   make(map[string]chan *Message),
		done:      make(chan struct{}),
	}, nil
}

// Start binds the UDP socket, launches the maintenance loop, and
// bootstraps when a bootstrap peer is configured.
func (n *Node) Start() error {
	n.transport.OnMessage(n.handleMessage)
	n.transport.OnRaw(func(data []byte, from *net.UDPAddr) {
		// Punch probes aimed at our main port get an ack so the prober
		// sees the path; everything else is dropped silently.
		if punch.IsProbe(data) {
			n.transport.WriteRaw(punch.AckPayload(), from)
		}
	})
	if err := n.transport.Listen(n.cfg.Port); err != nil {
		return err
	}
	n.puncher.SetLocalEndpoint(n.cfg.AdvertiseAddr, n.transport.LocalPort())

	n.wg.Add(1)
	go n.maintenanceLoop()

	if n.cfg.Bootstrap != "" {
		addr, port, err := splitHostPort(n.cfg.Bootstrap)
		if err != nil {
			return fmt.Errorf("bootstrap address: %w", err)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.Bootstrap(addr, port)
		}()
	}
	return nil
}

// Close shuts the node down: the receive loop exits at its next poll
// boundary, the maintenance loop at its next sleep boundary, and
// outstanding lookups fail at their next RPC boundary.
func (n *Node) Close() {
	n.closeMu.Do(func() {
		close(n.done)
		n.transport.Close()
		n.wg.Wait()
		n.store.Close()
	})
}

// ID returns the node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Table returns the routing table.
func (n *Node) Table() *RoutingTable { return n.table }

// Records returns the local record store.
func (n *Node) Records() *RecordStore { return n.store }

// Puncher returns the hole-punch engine.
func (n *Node) Puncher() *punch.Puncher { return n.puncher }

// Events returns the node's event feed.
func (n *Node) Events() *Feed { return n.feed }

// Port returns the bound UDP port.
func (n *Node) Port() int { return n.transport.LocalPort() }

// Done exposes the shutdown channel to collaborators such as the local
// API.
func (n *Node) Done() <-chan struct{} { return n.done }

// Bootstrap contacts a known peer and performs a self-lookup to populate
// the routing table. The peer's identifier is learned from its ping reply.
func (n *Node) Bootstrap(address string, port int) {
	if err := n.PingAddr(address, port); err != nil {
		log.Printf("dht: bootstrap ping %s:%d: %v", address, port, err)
		return
	}
	if _, err := n.nodeLookup(n.id); err != nil {
		log.Printf("dht: bootstrap self-lookup: %v", err)
	}
	n.feed.Publish("bootstrap", fmt.Sprintf("joined via %s:%d", address, port))
}

// === Inbound dispatch ===

// handleMessage is the transport callback. The sender is inserted or
// touched in the routing table before any dispatch, then the message is
// routed either to a waiting RPC caller or to the request handlers.
func (n *Node) handleMessage(msg *Message, from *net.UDPAddr) {
	if msg.Sender == n.id {
		return
	}
	n.table.Touch(msg.Sender, msg.SenderAddr, msg.SenderPort)

	if n.deliverResponse(msg) {
		return
	}

	switch msg.Kind {
	case KindPing:
		n.send(n.newMessage(KindPing, msg.Sender, nil), msg.SenderAddr, msg.SenderPort)

	case KindStore:
		key, value, err := DecodeStorePayload(msg.Payload)
		if err != nil {
			return
		}
		if err := n.store.Put(key, value); err != nil {
			log.Printf("dht: store %s: %v", key, err)
			return
		}
		n.feed.Publish("record_stored", key.String())

	case KindFindNode:
		target, err := ParseNodeID(string(msg.Payload))
		if err != nil {
			return
		}
		closest := n.table.Closest(target, K)
		n.send(n.newMessage(KindFindNode, msg.Sender, EncodeContacts(closest)), msg.SenderAddr, msg.SenderPort)

	case KindFindValue:
		key := Key(append([]byte(nil), msg.Payload...))
		if value, ok := n.store.Get(key); ok {
			n.send(n.newMessage(KindFindValue, msg.Sender, value), msg.SenderAddr, msg.SenderPort)
			return
		}
		closest := n.table.Closest(HashKey(key), K)
		n.send(n.newMessage(KindFindNode, msg.Sender, EncodeContacts(closest)), msg.SenderAddr, msg.SenderPort)

	case KindHolePunchRequest:
		n.feed.Publish("punch_request", fmt.Sprintf("from %s:%d", msg.SenderAddr, msg.SenderPort))
		go n.puncher.HandleRequest(msg.SenderAddr, msg.SenderPort)
		n.send(n.newMessage(KindHolePunchResponse, msg.Sender, nil), msg.SenderAddr, msg.SenderPort)

	case KindHolePunchResponse:
		// Only meaningful to a waiting caller; nothing to do here.
	}
}

// deliverResponse routes the message to a waiting RPC caller, if any, and
// reports whether it was consumed. STORE and HOLE_PUNCH_REQUEST are never
// responses, and a FIND_NODE whose payload is a bare hex target is a
// request even when an RPC to that peer is outstanding.
func (n *Node) deliverResponse(msg *Message) bool {
	switch msg.Kind {
	case KindStore, KindHolePunchRequest:
		return false
	case KindFindNode:
		if looksLikeFindNodeRequest(msg.Payload) {
			return false
		}
	}

	key := endpointKey(msg.SenderAddr, msg.SenderPort)
	n.mu.Lock()
	ch, ok := n.pending[key]
	if ok {
		delete(n.pending, key)
	}
	n.mu.Unlock()

	if ok {
		ch <- msg
		return true
	}
	return false
}

// === Outbound RPC plumbing ===

// newMessage builds an envelope from this node to the receiver.
func (n *Node) newMessage(kind RPCKind, receiver NodeID, payload []byte) *Message {
	return &Message{
		Kind:       kind,
		Sender:     n.id,
		Receiver:   receiver,
		SenderAddr: n.cfg.AdvertiseAddr,
		SenderPort: n.transport.LocalPort(),
		Payload:    payload,
	}
}

// send fires one datagram; failures are logged by the transport and
// surfaced as false.
func (n *Node) send(msg *Message, address string, port int) bool {
	return n.transport.Send(msg, address, port)
}

// rpc sends a request to the given endpoint and waits for the reply,
// bounded by rpcTimeout and the shutdown flag. At most one RPC per remote
// endpoint is outstanding at a time; a second one displaces the first,
// which then times out.
func (n *Node) rpc(msg *Message, address string, port int) (*Message, error) {
	key := endpointKey(address, port)
	ch := make(chan *Message, 1)

	n.mu.Lock()
	n.pending[key] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if n.pending[key] == ch {
			delete(n.pending, key)
		}
		n.mu.Unlock()
	}()

	if !n.send(msg, address, port) {
		return nil, fmt.Errorf("send %s to %s:%d failed", msg.Kind, address, port)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(rpcTimeout):
		return nil, fmt.Errorf("%s to %s:%d timed out", msg.Kind, address, port)
	case <-n.done:
		return nil, ErrShuttingDown
	}
}

// findNodeRPC queries one peer for its closest contacts to the target.
// Returned contacts are offered to the routing table.
func (n *Node) findNodeRPC(p *Peer, target NodeID) ([]*Peer, error) {
	msg := n.newMessage(KindFindNode, p.ID, []byte(target.String()))
	resp, err := n.rpc(msg, p.Address, p.Port)
	if err != nil {
		return nil, err
	}
	if resp.Kind != KindFindNode {
		return nil, fmt.Errorf("unexpected %s reply to FIND_NODE", resp.Kind)
	}
	contacts := DecodeContacts(resp.Payload)
	for _, c := range contacts {
		n.table.Add(c)
	}
	return contacts, nil
}

// findValueRPC queries one peer for a value. A FIND_VALUE reply carries the
// value; a FIND_NODE-shaped reply carries contacts instead.
func (n *Node) findValueRPC(p *Peer, key Key) ([]byte, []*Peer, error) {
	msg := n.newMessage(KindFindValue, p.ID, key)
	resp, err := n.rpc(msg, p.Address, p.Port)
	if err != nil {
		return nil, nil, err
	}
	switch resp.Kind {
	case KindFindValue:
		return resp.Payload, nil, nil
	case KindFindNode:
		contacts := DecodeContacts(resp.Payload)
		for _, c := range contacts {
			n.table.Add(c)
		}
		return nil, contacts, nil
	}
	return nil, nil, fmt.Errorf("unexpected %s reply to FIND_VALUE", resp.Kind)
}

// === Public API ===

// Ping sends a PING to a peer from the routing table and waits for the
// echo.
func (n *Node) Ping(id NodeID) error {
	p := n.table.Get(id)
	if p == nil {
		return fmt.Errorf("peer %s not in routing table", id)
	}
	return n.PingAddr(p.Address, p.Port)
}

// PingAddr pings an endpoint directly. The replying peer lands in the
// routing table as a side effect of inbound dispatch, which makes this the
// first step of bootstrapping.
func (n *Node) PingAddr(address string, port int) error {
	msg := n.newMessage(KindPing, NodeID{}, nil)
	resp, err := n.rpc(msg, address, port)
	if err != nil {
		return err
	}
	if resp.Kind != KindPing {
		return fmt.Errorf("unexpected %s reply to PING", resp.Kind)
	}
	return nil
}

// nodeLookup runs the iterative FIND_NODE procedure and returns the k
// closest responding peers.
func (n *Node) nodeLookup(target NodeID) ([]*Peer, error) {
	seed := n.table.Closest(target, Alpha)
	l := newLookup(n.id, target, n.done).nodeLookup(n.findNodeRPC)
	_, peers, err := l.run(seed)
	if err != nil {
		return nil, err
	}
	n.feed.Publish("lookup_done", fmt.Sprintf("%s: target %s, %d peers", l.id, target, len(peers)))
	return peers, nil
}

// FindNode resolves the k closest peers to the target and reports them
// through the callback.
func (n *Node) FindNode(target NodeID, callback func(ok bool, peers []*Peer)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peers, err := n.nodeLookup(target)
		callback(err == nil, peers)
	}()
}

// Store replicates a key/value pair onto the k peers closest to the
// hashed key (this node doubles as a replica) and reports the outcome.
func (n *Node) Store(key Key, value []byte, callback func(ok bool, value []byte)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		callback(n.replicate(key, value), value)
	}()
}

// replicate performs one replication round for a record.
func (n *Node) replicate(key Key, value []byte) bool {
	peers, err := n.nodeLookup(HashKey(key))
	if err != nil {
		return false
	}

	if err := n.store.Put(key, value); err != nil {
		log.Printf("dht: local store %s: %v", key, err)
		return false
	}

	payload := EncodeStorePayload(key, value)
	ok := true
	for _, p := range peers {
		if !n.send(n.newMessage(KindStore, p.ID, payload), p.Address, p.Port) {
			ok = false
		}
	}
	n.feed.Publish("record_replicated", fmt.Sprintf("%s to %d peers", key, len(peers)))
	return ok
}

// FindValue looks a key up, first locally, then across the overlay. On a
// network hit the value is cached onto the closest responding peer that
// did not hold it.
func (n *Node) FindValue(key Key, callback func(ok bool, value []byte)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if value, ok := n.store.Get(key); ok {
			callback(true, value)
			return
		}

		target := HashKey(key)
		seed := n.table.Closest(target, Alpha)
		l := newLookup(n.id, target, n.done).valueLookup(key, n.findValueRPC)
		value, responders, err := l.run(seed)
		if err != nil || value == nil {
			callback(false, nil)
			return
		}

		// Kademlia caching: the closest responder that answered with
		// contacts did not hold the value; hand it a copy.
		if len(responders) > 0 {
			p := responders[0]
			n.send(n.newMessage(KindStore, p.ID, EncodeStorePayload(key, value)), p.Address, p.Port)
		}
		n.feed.Publish("value_found", key.String())
		callback(true, value)
	}()
}

// Connect asks a peer for a hole-punched path. The remote side learns of
// the attempt through a HOLE_PUNCH_REQUEST RPC so both NATs open
// simultaneously; the local ladder then probes for a usable path.
func (n *Node) Connect(id NodeID, callback punch.Callback) {
	p := n.table.Get(id)
	if p == nil {
		callback(false, "", 0)
		return
	}

	n.send(n.newMessage(KindHolePunchRequest, p.ID, nil), p.Address, p.Port)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.puncher.Initiate(p.Address, p.Port, func(ok bool, address string, port int) {
			n.feed.Publish("punch_result", fmt.Sprintf("%s:%d ok=%t", p.Address, p.Port, ok))
			callback(ok, address, port)
		})
	}()
}

// === Helpers ===

func endpointKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

// splitHostPort parses "addr:port" with a numeric port.
func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
