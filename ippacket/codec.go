package ippacket

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedPacket is returned by ReadNext when a header is truncated or
// its declared length exceeds the bytes actually available.
var ErrMalformedPacket = errors.New("ippacket: malformed packet")

// ReadNext parses one IP packet beginning at buf[*idx], advances *idx past
// it, and returns the parsed Packet. A batch of packets back-to-back in one
// buffer is consumed by repeated calls until *idx reaches len(buf).
func ReadNext(buf []byte, idx *int) (*Packet, error) {
	start := *idx
	if start >= len(buf) {
		return nil, errors.Wrap(ErrMalformedPacket, "no data remaining")
	}
	data := buf[start:]
	if len(data) < 1 {
		return nil, errors.Wrap(ErrMalformedPacket, "empty buffer")
	}

	version := data[0] >> 4
	var p *Packet
	var err error
	switch version {
	case 4:
		p, err = parseV4(data)
	case 6:
		p, err = parseV6(data)
	default:
		return nil, errors.Wrapf(ErrMalformedPacket, "unsupported IP version %d", version)
	}
	if err != nil {
		return nil, err
	}

	*idx = start + p.TotalLength()
	return p, nil
}

func parseV4(data []byte) (*Packet, error) {
	if len(data) < v4MinHeaderLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "truncated v4 header: %d bytes", len(data))
	}
	ihl := data[0] & 0x0F
	if ihl < 5 {
		return nil, errors.Wrapf(ErrMalformedPacket, "invalid IHL %d", ihl)
	}
	headerLen := int(ihl) * 4
	if len(data) < headerLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "truncated v4 options: need %d have %d", headerLen, len(data))
	}

	total := binary.BigEndian.Uint16(data[2:4])
	if int(total) > len(data) {
		return nil, errors.Wrapf(ErrMalformedPacket, "declared length %d exceeds buffer %d", total, len(data))
	}
	if int(total) < headerLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "declared length %d shorter than header %d", total, headerLen)
	}

	p := &Packet{
		Version:          4,
		v4IHL:            ihl,
		v4DSCP:           data[1] >> 2,
		v4ECN:            data[1] & 0x03,
		totalLength:      total,
		v4Identification: binary.BigEndian.Uint16(data[4:6]),
		v4TTL:            data[8],
		Protocol:         Protocol(data[9]),
		checksum:         binary.BigEndian.Uint16(data[10:12]),
	}
	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	p.v4Flags = uint8(flagsFrag >> 13)
	p.v4FragOffset = flagsFrag & 0x1FFF

	p.Source = append([]byte(nil), data[12:16]...)
	p.Dest = append([]byte(nil), data[16:20]...)

	if ihl > 5 {
		p.v4Options = append([]byte(nil), data[20:headerLen]...)
	}
	p.Payload = append([]byte(nil), data[headerLen:total]...)
	return p, nil
}

func parseV6(data []byte) (*Packet, error) {
	if len(data) < v6HeaderLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "truncated v6 header: %d bytes", len(data))
	}
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	total := v6HeaderLen + int(payloadLen)
	if total > len(data) {
		return nil, errors.Wrapf(ErrMalformedPacket, "declared length %d exceeds buffer %d", total, len(data))
	}

	p := &Packet{
		Version:        6,
		v6TrafficClass: (data[0]<<4 | data[1]>>4),
		v6FlowLabel:    uint32(data[1]&0x0F)<<16 | uint32(data[2])<<8 | uint32(data[3]),
		Protocol:       Protocol(data[6]),
		v6HopLimit:     data[7],
		totalLength:    uint16(total),
	}
	p.Source = append([]byte(nil), data[8:24]...)
	p.Dest = append([]byte(nil), data[24:40]...)
	p.Payload = append([]byte(nil), data[v6HeaderLen:total]...)
	return p, nil
}
