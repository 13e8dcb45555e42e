package channel

import (
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/xtaci/vpncore/cryptor"
	"github.com/xtaci/vpncore/ippacket"
)

// innerHeaderLen is the size of the post-cipher session-id integrity witness
// that prefixes the encrypted region in both directions.
const innerHeaderLen = 4

// legacy plaintext header sizes: the client's outgoing header carries the
// session id, the server's does not, since the server already knows it from
// its client table.
const (
	clientPlaintextHeaderLen = 12 // sessionId(4) + cryptoPos(8)
	serverPlaintextHeaderLen = 8  // cryptoPos(8)
)

// UdpChannel is the legacy single-session UDP framing: one UDP socket, one
// 32-bit legacy session id, and a per-direction keystream position derived
// from the channel's own traffic counter.
type UdpChannel struct {
	baseChannel

	conn      *net.UDPConn
	isClient  bool
	sessionID uint32
	cryptor   *cryptor.BufferCryptor
	mtu       int

	positionBase int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewUdpChannel builds a legacy UdpChannel bound to an already-connected (or
// already-bound) UDP socket. key must be 16 bytes (AES-128). mtu is the
// tunnel's fragmentation-allowed MTU used to budget outgoing batches.
func NewUdpChannel(conn *net.UDPConn, isClient bool, sessionID uint32, key []byte, mtu int) (*UdpChannel, error) {
	c, err := cryptor.New(key)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "channel: NewUdpChannel")
	}
	base := newBaseChannel()
	base.setConnected(true)

	ch := &UdpChannel{
		baseChannel: base,
		conn:        conn,
		isClient:    isClient,
		sessionID:   sessionID,
		cryptor:     c,
		mtu:         mtu,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if !isClient {
		ch.positionBase = cryptor.ServerPositionBase
	}
	return ch, nil
}

func (c *UdpChannel) MTU() int { return c.mtu }

// Start launches the receive loop, transitioning New -> Started; calling
// Start twice, or on a disposed channel, is an error.
func (c *UdpChannel) Start() error {
	if !c.transition(StateNew, StateStarted) {
		return pkgerrors.Wrap(ErrDisposed, "channel: Start")
	}
	go c.receiveLoop()
	return nil
}

func (c *UdpChannel) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

// Send budgets the batch against the channel's header-adjusted MTU, assigns
// the next cryptoPos from the channel's own send counter, encrypts in
// place, and issues exactly one UDP write.
func (c *UdpChannel) Send(batch []*ippacket.Packet) error {
	switch c.State() {
	case StateNew:
		return pkgerrors.Wrap(ErrNotStarted, "channel: Send")
	case StateDisposed:
		return pkgerrors.Wrap(ErrDisposed, "channel: Send")
	}

	headerLen := clientPlaintextHeaderLen
	if !c.isClient {
		headerLen = serverPlaintextHeaderLen
	}

	region := make([]byte, innerHeaderLen, innerHeaderLen+64)
	binary.BigEndian.PutUint32(region[0:4], c.sessionID)
	budget := c.mtu - headerLen

	for _, p := range batch {
		wire, err := p.Bytes()
		if err != nil {
			return pkgerrors.Wrap(err, "channel: Send: packet.Bytes")
		}
		region = append(region, wire...)
	}
	if len(region) > budget {
		return pkgerrors.Wrapf(ErrOversized, "batch %d bytes exceeds budget %d", len(region), budget)
	}

	cryptoPos := c.positionBase + int64(c.Traffic().Sent)
	c.cryptor.Cipher(region, 0, len(region), cryptoPos)

	datagram := make([]byte, 0, headerLen+len(region))
	if c.isClient {
		var sidBuf [4]byte
		binary.BigEndian.PutUint32(sidBuf[:], c.sessionID)
		datagram = append(datagram, sidBuf[:]...)
	}
	var posBuf [8]byte
	binary.BigEndian.PutUint64(posBuf[:], uint64(cryptoPos))
	datagram = append(datagram, posBuf[:]...)
	datagram = append(datagram, region...)

	n, err := c.conn.Write(datagram)
	if err != nil {
		if isFatalSocketErr(err) {
			c.Dispose()
		}
		return pkgerrors.Wrap(err, "channel: Send: socket write")
	}
	if n != len(datagram) {
		return pkgerrors.Wrapf(ErrShortWrite, "wrote %d of %d bytes", n, len(datagram))
	}

	c.addSent(uint64(len(region)))
	c.touch()
	return nil
}

func (c *UdpChannel) receiveLoop() {
	defer close(c.doneCh)
	defer c.Dispose()

	buf := make([]byte, 65536)
	var pending []*ippacket.Packet
	blockNext := true

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if blockNext {
			c.conn.SetReadDeadline(time.Time{})
		} else {
			c.conn.SetReadDeadline(time.Now())
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !blockNext {
				// Readable queue has drained: flush what we have and go
				// back to a blocking read.
				if len(pending) > 0 {
					c.emit(pending)
					pending = nil
				}
				blockNext = true
				continue
			}
			if isFatalSocketErr(err) {
				return
			}
			// SocketTransient: log-and-continue is the caller's job via a
			// wrapped logger; here we just keep the loop alive.
			blockNext = true
			continue
		}

		if pkts, ok := c.decode(buf[:n]); ok {
			pending = append(pending, pkts...)
		}
		blockNext = false
	}
}

// decode validates and decrypts one received datagram, returning the
// packets it carries. It returns ok=false (drop, continue) for a malformed
// packet or a session id mismatch.
func (c *UdpChannel) decode(datagram []byte) (pkts []*ippacket.Packet, ok bool) {
	headerLen := serverPlaintextHeaderLen // what WE expect as the incoming header, i.e. the peer's outgoing headerLen
	if !c.isClient {
		headerLen = clientPlaintextHeaderLen
	}
	if len(datagram) < headerLen+innerHeaderLen {
		return nil, false
	}

	var cryptoPos int64
	if c.isClient {
		cryptoPos = int64(binary.BigEndian.Uint64(datagram[0:8]))
	} else {
		cryptoPos = int64(binary.BigEndian.Uint64(datagram[4:12]))
	}

	region := append([]byte(nil), datagram[headerLen:]...)
	c.cryptor.Cipher(region, 0, len(region), cryptoPos)

	gotSessionID := binary.BigEndian.Uint32(region[0:4])
	if gotSessionID != c.sessionID {
		return nil, false // Unauthorized: drop, continue
	}

	idx := innerHeaderLen
	for idx < len(region) {
		p, err := ippacket.ReadNext(region, &idx)
		if err != nil {
			return nil, false // MalformedPacket: drop, continue
		}
		pkts = append(pkts, p)
	}

	c.addReceived(uint64(len(region)))
	c.touch()
	return pkts, true
}

// Dispose idempotently cancels the receive loop and closes the socket.
func (c *UdpChannel) Dispose() error {
	c.disposeOnce.Do(func() {
		c.setState(StateDisposed)
		c.setConnected(false)
		close(c.stopCh)
		c.disposeErr = c.conn.Close()
	})
	return c.disposeErr
}

// isFatalSocketErr classifies an I/O error as fatal (dispose the owning
// component) vs. transient (log and continue).
func isFatalSocketErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

var _ Channel = (*UdpChannel)(nil)
