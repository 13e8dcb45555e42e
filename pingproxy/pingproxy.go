// Package pingproxy implements PingProxy and PingProxyPool: a bounded pool
// of native ICMP echo workers, one per distinct source address, fronting
// the tunnel's own ICMP Echo Request traffic.
package pingproxy

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/xtaci/vpncore/ippacket"
)

// DefaultTimeout is the echo round-trip deadline used when the pool is
// built with a zero timeout.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNotEchoRequest is returned when SendPacket is handed a non-ICMP or
	// non-echo-request packet.
	ErrNotEchoRequest = errors.New("pingproxy: packet is not an ICMP echo request")
	// ErrPoolDisposed is returned by SendPacket after Dispose.
	ErrPoolDisposed = errors.New("pingproxy: pool disposed")
)

// Receiver bundles the three informational callbacks a PingProxyPool
// delivers. None of them is consumed for a return value, and none may
// block the caller.
type Receiver struct {
	OnPacketReceived    func(reply *ippacket.Packet)
	OnNewRemoteEndpoint func(proto ippacket.Protocol, remote net.IP)
	OnNewEndpoint       func(proto ippacket.Protocol, local, remote net.IP, isNewLocal, isNewRemote bool)
}

// PingProxy owns one native ICMP echo client bound to a specific source
// address and serializes its own in-flight echoes.
type PingProxy struct {
	source  net.IP
	timeout time.Duration

	mu   sync.Mutex
	conn *icmp.PacketConn

	seenMu      sync.Mutex
	seenRemotes map[string]struct{}
	seenLocals  map[string]struct{}

	receiver Receiver
}

func newPingProxy(source net.IP, timeout time.Duration, receiver Receiver) (*PingProxy, error) {
	network := "udp4"
	if source.To4() == nil {
		network = "udp6"
	}
	conn, err := icmp.ListenPacket(network, source.String())
	if err != nil {
		return nil, errors.Wrapf(err, "pingproxy: ListenPacket(%s, %s)", network, source)
	}
	return &PingProxy{
		source:      source,
		timeout:     timeout,
		conn:        conn,
		seenRemotes: make(map[string]struct{}),
		seenLocals:  make(map[string]struct{}),
		receiver:    receiver,
	}, nil
}

// Echo performs one blocking echo round trip for request, a full ICMP Echo
// Request IpPacket, and delivers the reply (or nothing, on timeout) to the
// pool's receiver. It is meant to be invoked from its own goroutine by the
// owning pool; its own in-flight echoes are serialized by mu.
func (p *PingProxy) Echo(request *ippacket.Packet) error {
	echoID, seq, data, proto, err := parseEchoRequest(request)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	msg := icmp.Message{
		Type: echoRequestType(proto),
		Code: 0,
		Body: &icmp.Echo{ID: echoID, Seq: seq, Data: data},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return errors.Wrap(err, "pingproxy: Marshal echo request")
	}

	dest := &net.UDPAddr{IP: request.Dest}
	if _, err := p.conn.WriteTo(wire, dest); err != nil {
		return errors.Wrap(err, "pingproxy: WriteTo")
	}

	p.conn.SetReadDeadline(time.Now().Add(p.timeout))
	buf := make([]byte, 1500)
	n, peer, err := p.conn.ReadFrom(buf)
	if err != nil {
		return errors.Wrap(err, "pingproxy: ReadFrom (timeout or socket error)")
	}

	protoNum := 1
	if proto == ippacket.ProtocolICMPv6 {
		protoNum = 58
	}
	reply, err := icmp.ParseMessage(protoNum, buf[:n])
	if err != nil {
		return errors.Wrap(err, "pingproxy: ParseMessage")
	}
	echo, ok := reply.Body.(*icmp.Echo)
	if !ok {
		return errors.New("pingproxy: reply is not an echo body")
	}

	replyPacket := buildEchoReply(request, proto, echo)
	if err := replyPacket.Update(); err != nil {
		return errors.Wrap(err, "pingproxy: reply.Update")
	}

	p.trackNovelty(proto, request.Source, peer)
	if p.receiver.OnPacketReceived != nil {
		p.receiver.OnPacketReceived(replyPacket)
	}
	return nil
}

func (p *PingProxy) trackNovelty(proto ippacket.Protocol, local net.IP, remote net.Addr) {
	remoteIP := remoteAddrIP(remote)
	remoteKey := remoteIP.String()
	localKey := local.String()

	p.seenMu.Lock()
	_, sawRemote := p.seenRemotes[remoteKey]
	if !sawRemote {
		p.seenRemotes[remoteKey] = struct{}{}
	}
	_, sawLocal := p.seenLocals[localKey]
	if !sawLocal {
		p.seenLocals[localKey] = struct{}{}
	}
	p.seenMu.Unlock()

	isNewRemote := !sawRemote
	isNewLocal := !sawLocal
	if isNewRemote && p.receiver.OnNewRemoteEndpoint != nil {
		p.receiver.OnNewRemoteEndpoint(proto, remoteIP)
	}
	if (isNewLocal || isNewRemote) && p.receiver.OnNewEndpoint != nil {
		p.receiver.OnNewEndpoint(proto, local, remoteIP, isNewLocal, isNewRemote)
	}
}

// Dispose closes the proxy's ICMP socket.
func (p *PingProxy) Dispose() error {
	return p.conn.Close()
}

func remoteAddrIP(a net.Addr) net.IP {
	switch addr := a.(type) {
	case *net.UDPAddr:
		return addr.IP
	case *net.IPAddr:
		return addr.IP
	default:
		return net.IP{}
	}
}

func echoRequestType(proto ippacket.Protocol) icmp.Type {
	if proto == ippacket.ProtocolICMPv6 {
		return ipv6.ICMPTypeEchoRequest
	}
	return ipv4.ICMPTypeEcho
}

func parseEchoRequest(request *ippacket.Packet) (id, seq int, data []byte, proto ippacket.Protocol, err error) {
	if request.Protocol != ippacket.ProtocolICMPv4 && request.Protocol != ippacket.ProtocolICMPv6 {
		return 0, 0, nil, 0, ErrNotEchoRequest
	}
	if len(request.Payload) < 8 {
		return 0, 0, nil, 0, errors.Wrap(ErrNotEchoRequest, "truncated ICMP header")
	}
	icmpType := request.Payload[0]
	isEchoRequest := (request.Protocol == ippacket.ProtocolICMPv4 && icmpType == 8) ||
		(request.Protocol == ippacket.ProtocolICMPv6 && icmpType == 128)
	if !isEchoRequest {
		return 0, 0, nil, 0, ErrNotEchoRequest
	}
	id = int(request.Payload[4])<<8 | int(request.Payload[5])
	seq = int(request.Payload[6])<<8 | int(request.Payload[7])
	return id, seq, append([]byte(nil), request.Payload[8:]...), request.Protocol, nil
}

// buildEchoReply constructs the reply IpPacket: swap src/dst, ICMP type
// EchoReply, preserve id+sequence+payload.
func buildEchoReply(request *ippacket.Packet, proto ippacket.Protocol, echo *icmp.Echo) *ippacket.Packet {
	replyType := byte(0) // ICMPv4 EchoReply
	if proto == ippacket.ProtocolICMPv6 {
		replyType = 129 // ICMPv6 EchoReply
	}

	body := make([]byte, 8+len(echo.Data))
	body[0] = replyType
	body[1] = 0
	body[4] = byte(echo.ID >> 8)
	body[5] = byte(echo.ID)
	body[6] = byte(echo.Seq >> 8)
	body[7] = byte(echo.Seq)
	copy(body[8:], echo.Data)

	if proto == ippacket.ProtocolICMPv6 {
		return ippacket.NewV6(request.Dest, request.Source, ippacket.ProtocolICMPv6, body)
	}
	return ippacket.NewV4(request.Dest, request.Source, ippacket.ProtocolICMPv4, body)
}
