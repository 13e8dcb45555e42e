// Package ippacket implements IpPacket and PacketCodec: a parsed copy of an
// IP datagram read from a contiguous buffer, with the ability to re-derive
// header checksums and length fields after the payload or addresses are
// mutated, and to re-emit the packet's wire bytes.
//
// Grounded on the pack's IPv4 parser/serializer
// (therealutkarshpriyadarshi/network pkg/ip), extended with a minimal IPv6
// path (no header checksum to recompute, per RFC 8200) since PingProxy must
// answer both address families.
package ippacket

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Protocol identifies the IP payload protocol (IANA assigned numbers).
type Protocol uint8

const (
	ProtocolICMPv4 Protocol = 1
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
	ProtocolICMPv6 Protocol = 58
)

const (
	v4MinHeaderLen = 20
	v4MaxHeaderLen = 60
	v6HeaderLen    = 40
	MaxPacketSize  = 65535
)

// Packet is the observable, mutable view over one parsed IP datagram:
// version, protocol, source/destination address, total length, and payload
// bytes, plus the ability to re-emit its wire bytes and to keep total
// length/checksum fields consistent with the current payload and
// addresses.
type Packet struct {
	Version  uint8 // 4 or 6
	Protocol Protocol
	Source   net.IP
	Dest     net.IP
	Payload  []byte

	// v4-only header fields retained across parse/serialize/update so a
	// re-emitted packet is byte-identical to one that was never touched.
	v4IHL            uint8
	v4DSCP           uint8
	v4ECN            uint8
	v4Identification uint16
	v4Flags          uint8
	v4FragOffset     uint16
	v4TTL            uint8
	v4Options        []byte

	// v6-only fields.
	v6TrafficClass uint8
	v6FlowLabel    uint32
	v6HopLimit     uint8

	totalLength uint16 // invariant: equals len(wire bytes); recomputed by Update
	checksum    uint16 // v4 header checksum; recomputed by Update
}

// TotalLength returns the byte count of this packet's serialized wire form.
// It equals len(serialized bytes) once the packet has been parsed or Update
// or Bytes has run; a packet fresh from NewV4/NewV6 reports 0 until then.
func (p *Packet) TotalLength() int { return int(p.totalLength) }

// HeaderLength returns the length of this packet's IP header in bytes.
func (p *Packet) HeaderLength() int {
	if p.Version == 6 {
		return v6HeaderLen
	}
	return int(p.v4IHL) * 4
}

// Update recomputes the IP header checksum (v4) and the total-length field
// to match the current Payload/Source/Dest, and — for ICMP payloads — the
// ICMP checksum too. Call this any time Payload, Source, or Dest is
// mutated directly.
func (p *Packet) Update() error {
	if p.Version == 6 {
		p.totalLength = uint16(v6HeaderLen + len(p.Payload))
		return p.updateICMPChecksum()
	}

	headerLen := v4MinHeaderLen + len(p.v4Options)
	if len(p.v4Options)%4 != 0 {
		headerLen = v4MinHeaderLen + ((len(p.v4Options)/4)+1)*4
	}
	if headerLen > v4MaxHeaderLen {
		return fmt.Errorf("ippacket: header too long: %d bytes", headerLen)
	}
	total := headerLen + len(p.Payload)
	if total > MaxPacketSize {
		return fmt.Errorf("ippacket: packet too large: %d bytes", total)
	}
	p.v4IHL = uint8(headerLen / 4)
	p.totalLength = uint16(total)

	p.checksum = 0
	hdr := make([]byte, headerLen)
	p.writeV4Header(hdr, 0)
	p.checksum = ipChecksum(hdr)

	return p.updateICMPChecksum()
}

// updateICMPChecksum recomputes the ICMP checksum over Payload when this
// packet carries an ICMP message, so replies built by swapping src/dst and
// type stay wire-correct.
func (p *Packet) updateICMPChecksum() error {
	if p.Protocol != ProtocolICMPv4 && p.Protocol != ProtocolICMPv6 {
		return nil
	}
	if len(p.Payload) < 4 {
		return fmt.Errorf("ippacket: icmp payload too short: %d bytes", len(p.Payload))
	}
	p.Payload[2], p.Payload[3] = 0, 0
	sumOver := p.Payload
	if p.Protocol == ProtocolICMPv6 {
		// The ICMPv6 checksum also covers the IPv6 pseudo-header (RFC 4443).
		sumOver = make([]byte, v6HeaderLen+len(p.Payload))
		copy(sumOver[0:16], p.Source.To16())
		copy(sumOver[16:32], p.Dest.To16())
		binary.BigEndian.PutUint32(sumOver[32:36], uint32(len(p.Payload)))
		sumOver[39] = uint8(ProtocolICMPv6)
		copy(sumOver[v6HeaderLen:], p.Payload)
	}
	sum := ipChecksum(sumOver)
	binary.BigEndian.PutUint16(p.Payload[2:4], sum)
	return nil
}

// Bytes re-emits this packet's current state as wire bytes.
func (p *Packet) Bytes() ([]byte, error) {
	if err := p.Update(); err != nil {
		return nil, err
	}
	buf := make([]byte, p.totalLength)
	if p.Version == 6 {
		p.writeV6Header(buf)
		copy(buf[v6HeaderLen:], p.Payload)
		return buf, nil
	}
	headerLen := int(p.v4IHL) * 4
	p.writeV4Header(buf, headerLen)
	copy(buf[headerLen:], p.Payload)
	return buf, nil
}

// Clone returns a deep copy whose subsequent mutation cannot affect the
// original.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Source = append(net.IP(nil), p.Source...)
	c.Dest = append(net.IP(nil), p.Dest...)
	c.Payload = append([]byte(nil), p.Payload...)
	c.v4Options = append([]byte(nil), p.v4Options...)
	return &c
}

func (p *Packet) writeV4Header(buf []byte, headerLen int) {
	if headerLen == 0 {
		headerLen = int(p.v4IHL) * 4
	}
	buf[0] = (p.Version << 4) | p.v4IHL
	buf[1] = (p.v4DSCP << 2) | p.v4ECN
	binary.BigEndian.PutUint16(buf[2:4], p.totalLength)
	binary.BigEndian.PutUint16(buf[4:6], p.v4Identification)
	flagsFrag := (uint16(p.v4Flags) << 13) | (p.v4FragOffset & 0x1FFF)
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)
	buf[8] = p.v4TTL
	buf[9] = uint8(p.Protocol)
	binary.BigEndian.PutUint16(buf[10:12], p.checksum)
	copy(buf[12:16], p.Source.To4())
	copy(buf[16:20], p.Dest.To4())
	if len(p.v4Options) > 0 {
		copy(buf[20:], p.v4Options)
		for i := 20 + len(p.v4Options); i < headerLen; i++ {
			buf[i] = 0
		}
	}
}

func (p *Packet) writeV6Header(buf []byte) {
	buf[0] = (p.Version << 4) | (p.v6TrafficClass >> 4)
	buf[1] = (p.v6TrafficClass << 4) | byte(p.v6FlowLabel>>16)
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.v6FlowLabel))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(p.Payload)))
	buf[6] = uint8(p.Protocol)
	buf[7] = p.v6HopLimit
	copy(buf[8:24], p.Source.To16())
	copy(buf[24:40], p.Dest.To16())
}

// ipChecksum computes the standard Internet checksum (RFC 1071) over b.
func ipChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
