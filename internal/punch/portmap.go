package punch

import (
	"context"
	"fmt"
	"log"
	"time"

	nat "github.com/libp2p/go-nat"
)

// Port-mapping defaults. The lease is renewed at half its duration so a
// live mapping never lapses.
const (
	mapDiscoveryTimeout = 10 * time.Second
	mapRequestTimeout   = 30 * time.Second
	mapLeaseDuration    = 2 * time.Hour
	mapDescription      = "Vesper DHT"
)

// PortMapper asks the local gateway for an explicit UDP port mapping via
// UPnP or NAT-PMP. When a router cooperates, peers can reach this node
// without any hole punching at all; the mapped endpoint is recorded in the
// shared connection info. A later STUN observation overwrites it, and the
// punch ladder advertises the endpoint STUN reports.
type PortMapper struct {
	puncher *Puncher
	gateway nat.NAT
	port    int
	stop    chan struct{}
}

// NewPortMapper creates a mapper that reports into the given puncher's
// connection info.
func NewPortMapper(p *Puncher) *PortMapper {
	return &PortMapper{
		puncher: p,
		stop:    make(chan struct{}),
	}
}

// Setup discovers the gateway and maps the given UDP port. Returns the
// external "ip:port" on success and starts the renewal loop.
func (m *PortMapper) Setup(port int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mapDiscoveryTimeout)
	defer cancel()

	gateway, err := nat.DiscoverGateway(ctx)
	if err != nil {
		return "", fmt.Errorf("no NAT gateway found: %w", err)
	}
	m.gateway = gateway
	m.port = port

	extIP, err := gateway.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("get external address: %w", err)
	}

	mapped, err := gateway.AddPortMapping(ctx, "udp", port, mapDescription, mapLeaseDuration)
	if err != nil {
		return "", fmt.Errorf("add port mapping: %w", err)
	}

	m.puncher.mu.Lock()
	m.puncher.info.PublicAddr = extIP.String()
	m.puncher.info.PublicPort = mapped
	m.puncher.info.LocalPort = port
	m.puncher.info.LastObserved = time.Now()
	m.puncher.mu.Unlock()

	go m.renewLoop()

	return fmt.Sprintf("%s:%d", extIP, mapped), nil
}

// renewLoop re-requests the mapping at half the lease duration.
func (m *PortMapper) renewLoop() {
	ticker := time.NewTicker(mapLeaseDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), mapRequestTimeout)
			_, err := m.gateway.AddPortMapping(ctx, "udp", m.port, mapDescription, mapLeaseDuration)
			cancel()
			if err != nil {
				log.Printf("punch: renew port mapping: %v", err)
			}
		case <-m.stop:
			return
		}
	}
}

// Protocol names the discovery mechanism in use ("UPnP" or "NAT-PMP").
func (m *PortMapper) Protocol() string {
	if m.gateway != nil {
		return m.gateway.Type()
	}
	return "none"
}

// Close removes the mapping and stops renewal.
func (m *PortMapper) Close() {
	close(m.stop)
	if m.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stunTimeout)
		defer cancel()
		if err := m.gateway.DeletePortMapping(ctx, "udp", m.port); err != nil {
			log.Printf("punch: remove port mapping: %v", err)
		}
	}
}
