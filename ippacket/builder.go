package ippacket

import "net"

// NewV4 builds a fresh IPv4 packet with default header fields (TTL 64, no
// options, no fragmentation), ready for Update()/Bytes(). Used by PingProxy
// to construct echo-reply packets and by tests.
func NewV4(src, dst net.IP, protocol Protocol, payload []byte) *Packet {
	return &Packet{
		Version:  4,
		v4IHL:    5,
		v4TTL:    64,
		Protocol: protocol,
		Source:   src.To4(),
		Dest:     dst.To4(),
		Payload:  payload,
	}
}

// NewV6 builds a fresh IPv6 packet with a default hop limit of 64.
func NewV6(src, dst net.IP, protocol Protocol, payload []byte) *Packet {
	return &Packet{
		Version:    6,
		v6HopLimit: 64,
		Protocol:   protocol,
		Source:     src.To16(),
		Dest:       dst.To16(),
		Payload:    payload,
	}
}
