// Package punch implements the NAT-traversal subsystem: a binary STUN
// client for reflexive-address discovery, a two-reflector NAT classifier,
// UPnP/NAT-PMP port mapping, and the hole-punch ladder that opens direct
// datagram paths between NATed peers.
package punch

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// STUN message types and attributes (RFC 5389 binding subset).
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101

	stunAttrMappedAddress    = 0x0001
	stunAttrXORMappedAddress = 0x0020

	stunMagicCookie = 0x2112A442
	stunHeaderSize  = 20
)

// stunTimeout bounds one binding round-trip to a single reflector.
const stunTimeout = 5 * time.Second

// DefaultSTUNServers is the built-in reflector list, tried in order.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
	"stun.ekiga.net:3478",
	"stun.ideasip.com:3478",
	"stun.schlund.de:3478",
}

// buildBindingRequest returns a 20-byte STUN binding request: type 0x0001,
// zero length, the magic cookie, and a fresh random 96-bit transaction id.
func buildBindingRequest() []byte {
	req := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(req[0:], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:], 0)
	binary.BigEndian.PutUint32(req[4:], stunMagicCookie)
	rand.Read(req[8:20])
	return req
}

// parseBindingResponse extracts the reflexive IPv4 endpoint from a binding
// response. XOR-MAPPED-ADDRESS is preferred; MAPPED-ADDRESS is the
// fallback. Returns ok=false for anything that is not a well-formed
// binding response carrying an IPv4 mapping.
func parseBindingResponse(buf []byte) (ip string, port int, ok bool) {
	if len(buf) < stunHeaderSize {
		return "", 0, false
	}
	if binary.BigEndian.Uint16(buf[0:]) != stunBindingResponse {
		return "", 0, false
	}
	if binary.BigEndian.Uint32(buf[4:]) != stunMagicCookie {
		return "", 0, false
	}
	msgLen := int(binary.BigEndian.Uint16(buf[2:]))
	end := stunHeaderSize + msgLen
	if end > len(buf) {
		end = len(buf)
	}

	var mappedIP string
	var mappedPort int

	// Walk the attribute TLV stream, never reading past the declared
	// message length or the end of the buffer.
	pos := stunHeaderSize
	for pos+4 <= end {
		attrType := int(binary.BigEndian.Uint16(buf[pos:]))
		attrLen := int(binary.BigEndian.Uint16(buf[pos+2:]))
		pos += 4
		if pos+attrLen > end {
			break
		}
		value := buf[pos : pos+attrLen]

		switch attrType {
		case stunAttrXORMappedAddress:
			if len(value) >= 8 && value[1] == 0x01 { // IPv4 family only
				xport := binary.BigEndian.Uint16(value[2:]) ^ uint16(stunMagicCookie>>16)
				xaddr := binary.BigEndian.Uint32(value[4:]) ^ uint32(stunMagicCookie)
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], xaddr)
				return net.IP(b[:]).String(), int(xport), true
			}
		case stunAttrMappedAddress:
			if mappedIP == "" && len(value) >= 8 && value[1] == 0x01 {
				mappedPort = int(binary.BigEndian.Uint16(value[2:]))
				var b [4]byte
				copy(b[:], value[4:8])
				mappedIP = net.IP(b[:]).String()
			}
		}

		pos += attrLen
		if attrLen%4 != 0 {
			pos += 4 - attrLen%4
		}
	}

	if mappedIP != "" {
		return mappedIP, mappedPort, true
	}
	return "", 0, false
}

// queryServer performs one binding round-trip against a reflector on a
// fresh socket and returns the reflexive endpoint it reports.
func queryServer(server string) (string, int, error) {
	conn, err := net.Dial("udp4", server)
	if err != nil {
		return "", 0, fmt.Errorf("dial stun server %s: %w", server, err)
	}
	defer conn.Close()
	return queryOnConn(conn, server)
}

// queryOnConn performs a binding round-trip on an existing connected
// socket. Used by queryServer.
func queryOnConn(conn net.Conn, server string) (string, int, error) {
	if _, err := conn.Write(buildBindingRequest()); err != nil {
		return "", 0, fmt.Errorf("send binding request to %s: %w", server, err)
	}

	conn.SetReadDeadline(time.Now().Add(stunTimeout))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", 0, fmt.Errorf("read binding response from %s: %w", server, err)
	}

	ip, port, ok := parseBindingResponse(buf[:n])
	if !ok {
		return "", 0, fmt.Errorf("malformed binding response from %s", server)
	}
	return ip, port, nil
}

// queryOnPacketConn performs a binding round-trip over an unconnected UDP
// socket, addressing the given reflector.
func queryOnPacketConn(conn *net.UDPConn, server string) (string, int, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", 0, fmt.Errorf("resolve stun server %s: %w", server, err)
	}
	if _, err := conn.WriteToUDP(buildBindingRequest(), raddr); err != nil {
		return "", 0, fmt.Errorf("send binding request to %s: %w", server, err)
	}

	conn.SetReadDeadline(time.Now().Add(stunTimeout))
	buf := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", 0, fmt.Errorf("read binding response from %s: %w", server, err)
	}

	ip, port, ok := parseBindingResponse(buf[:n])
	if !ok {
		return "", 0, fmt.Errorf("malformed binding response from %s", server)
	}
	return ip, port, nil
}
