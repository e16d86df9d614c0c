package dht

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// receivePollInterval bounds how long the receive loop blocks before
// re-checking for shutdown.
const receivePollInterval = 100 * time.Millisecond

// Transport owns the node's bound UDP socket. A single goroutine reads
// datagrams and hands decoded messages to the registered handler; sends go
// out on transient sockets, one datagram per RPC with no retransmission
// (retries belong to the lookup and hole-punch layers).
type Transport struct {
	mu         sync.RWMutex
	conn       *net.UDPConn
	handler    func(*Message, *net.UDPAddr)
	rawHandler func([]byte, *net.UDPAddr)
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewTransport creates an unstarted transport.
func NewTransport() *Transport {
	return &Transport{done: make(chan struct{})}
}

// OnMessage registers the callback invoked for every well-formed inbound
// datagram. Must be set before Listen.
func (t *Transport) OnMessage(handler func(*Message, *net.UDPAddr)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// OnRaw registers the callback for inbound datagrams that are not RPC
// messages. The hole-punch ladder probes the node's main port with bare
// marker datagrams; answering them is what proves a path is open.
func (t *Transport) OnRaw(handler func([]byte, *net.UDPAddr)) {
	t.mu.Lock()
	t.rawHandler = handler
	t.mu.Unlock()
}

// WriteRaw sends bytes from the bound socket to the given address,
// bypassing the RPC codec.
func (t *Transport) WriteRaw(data []byte, addr *net.UDPAddr) {
	if t.conn == nil {
		return
	}
	t.conn.WriteToUDP(data, addr)
}

// Listen binds the UDP socket and starts the receive loop. Port 0 asks the
// OS for an ephemeral port.
func (t *Transport) Listen(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", port, err)
	}
	t.conn = conn

	t.wg.Add(1)
	go t.receiveLoop()
	return nil
}

// LocalPort returns the bound UDP port.
func (t *Transport) LocalPort() int {
	if t.conn == nil {
		return 0
	}
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// receiveLoop reads datagrams until Close. The read deadline doubles as the
// shutdown poll boundary. Oversized datagrams are discarded whole;
// undecodable ones are dropped without penalizing the sender.
func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize+1)
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(receivePollInterval))
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.done:
				return
			default:
				log.Printf("dht: receive error: %v", err)
				continue
			}
		}
		if n > maxDatagramSize {
			continue
		}

		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			t.mu.RLock()
			raw := t.rawHandler
			t.mu.RUnlock()
			if raw != nil {
				raw(append([]byte(nil), buf[:n]...), from)
			}
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(msg, from)
		}
	}
}

// Send encodes the message and fires exactly one datagram at the given
// endpoint from a transient socket. A false return means the datagram never
// left this host; the caller proceeds as though the peer did not reply.
func (t *Transport) Send(msg *Message, address string, port int) bool {
	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		log.Printf("dht: resolve %s:%d: %v", address, port, err)
		return false
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		log.Printf("dht: dial %s:%d: %v", address, port, err)
		return false
	}
	defer conn.Close()

	if _, err := conn.Write(msg.Encode()); err != nil {
		log.Printf("dht: send %s to %s:%d: %v", msg.Kind, address, port, err)
		return false
	}
	return true
}

// Close stops the receive loop and closes the socket.
func (t *Transport) Close() {
	close(t.done)
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()
}
