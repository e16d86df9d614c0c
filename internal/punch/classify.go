package punch

import (
	"net"
	"time"
)

// NATType is the classic NAT taxonomy this classifier can assign.
//
// RESTRICTED is listed for completeness but never produced: telling it
// apart from PORT_RESTRICTED needs the CHANGE-REQUEST attribute, which this
// client does not implement. Unreachable-second-reflector cases fall
// through to PORT_RESTRICTED.
type NATType int

const (
	NATUnknown NATType = iota
	NATOpen
	NATFullCone
	NATRestricted
	NATPortRestricted
	NATSymmetric
)

func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "Open (No NAT)"
	case NATFullCone:
		return "Full Cone NAT"
	case NATRestricted:
		return "Restricted NAT"
	case NATPortRestricted:
		return "Port Restricted NAT"
	case NATSymmetric:
		return "Symmetric NAT"
	}
	return "Unknown"
}

// ConnInfo is the shared view of this host's connectivity, written by the
// STUN client, the NAT classifier, and the port mapper, and read by the
// hole-punch ladder and the local API.
type ConnInfo struct {
	PublicAddr   string    `json:"public_addr"`
	PublicPort   int       `json:"public_port"`
	LocalAddr    string    `json:"local_addr"`
	LocalPort    int       `json:"local_port"`
	NAT          NATType   `json:"-"`
	NATName      string    `json:"nat_type"`
	LastObserved time.Time `json:"last_observed"`
}

// classifyNAT assigns a NAT type from the outcomes of two reflector
// queries issued from the same local mapping:
//
//	A failed                      -> UNKNOWN
//	public A equals local address -> OPEN
//	A and B mapped identically    -> FULL_CONE
//	A and B differ in any field   -> SYMMETRIC
//	B unreachable                 -> PORT_RESTRICTED
func classifyNAT(localAddr, addrA string, portA int, okA bool, addrB string, portB int, okB bool) NATType {
	switch {
	case !okA:
		return NATUnknown
	case addrA == localAddr:
		return NATOpen
	case okB && addrA == addrB && portA == portB:
		return NATFullCone
	case okB:
		return NATSymmetric
	default:
		return NATPortRestricted
	}
}

// DetectNATType queries two reflectors and classifies the NAT between this
// host and the public internet. The observed public endpoint and the
// verdict are recorded in the shared connection info. The local address is
// taken from the second probe socket only when none is known yet and that
// socket reports a specific address; the local port is never changed here.
func (p *Puncher) DetectNATType() NATType {
	addrA, portA, errA := p.PublicEndpoint()
	okA := errA == nil

	// Probe a second reflector from a dedicated socket so a symmetric NAT
	// has the chance to hand out a different mapping.
	var (
		addrB string
		portB int
		okB   bool
	)
	if okA {
		if conn, err := net.ListenUDP("udp4", &net.UDPAddr{}); err == nil {
			server := p.servers[0]
			if len(p.servers) > 1 {
				server = p.servers[1]
			}
			if ip, port, err := queryOnPacketConn(conn, server); err == nil {
				addrB, portB, okB = ip, port, true
			}
			if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
				p.mu.Lock()
				if p.info.LocalAddr == "" && !local.IP.IsUnspecified() {
					p.info.LocalAddr = local.IP.String()
				}
				p.mu.Unlock()
			}
			conn.Close()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.info.NAT = classifyNAT(p.info.LocalAddr, addrA, portA, okA, addrB, portB, okB)
	p.info.NATName = p.info.NAT.String()
	if okA {
		p.info.PublicAddr = addrA
		p.info.PublicPort = portA
	}
	p.info.LastObserved = time.Now()
	return p.info.NAT
}
