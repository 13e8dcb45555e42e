// Package transmitter implements UdpChannelTransmitter: one shared UDP
// socket carrying many sessions, with a fixed 32-byte header-obfuscated
// frame that lets a single listener demultiplex inbound datagrams to the
// right session without itself holding any session keys.
package transmitter

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/xtaci/vpncore/cryptor"
)

// Header layout:
//
//	offset  field             size  encryption
//	0       IV                8     plaintext
//	8       signature "OK"    2     obfuscated
//	10      reserved          6     obfuscated
//	16      sessionId         8     obfuscated
//	24      sessionCryptoPos  8     obfuscated
//	32..    payload           var   encrypted by session key (opaque here)
const (
	ivLen           = 8
	obfuscatedLen   = 24 // signature + reserved + sessionId + sessionCryptoPos
	HeaderSize      = ivLen + obfuscatedLen
	sigOffset       = 8
	reservedOffset  = 10
	sessionIDOffset = 16
	cryptoPosOffset = 24
)

var signature = [2]byte{0x4F, 0x4B} // "OK"

// signMask keeps the random IV a valid non-negative BufferCryptor position:
// clearing the top bit costs one bit of IV entropy, which is negligible
// against the chance of a repeat over any realistic session lifetime.
const signMask = uint64(1) << 63

var (
	// ErrUnauthorized names a deobfuscated-signature mismatch. The receive
	// loop drops such a datagram; no function here returns this error.
	ErrUnauthorized = errors.New("transmitter: signature mismatch")
	// ErrShortDatagram flags an inbound datagram too small to hold the
	// fixed header — a MalformedPacket-class condition.
	ErrShortDatagram = errors.New("transmitter: datagram shorter than header")
)

// SessionDataHandler is the "session interface" consumed by
// UdpChannelTransmitter: invoked for every datagram whose header
// obfuscation and signature check pass. buffer[payloadOffset:] is the
// still-session-key-encrypted payload; the transmitter never sees session
// keys and cannot decrypt it itself.
type SessionDataHandler func(sessionID uint64, remote *net.UDPAddr, sessionCryptoPos int64, buffer []byte, payloadOffset int)

// Transmitter is UdpChannelTransmitter: a single shared UDP socket, a
// server-keyed BufferCryptor used only to obfuscate/deobfuscate headers, and
// a mutex serializing send-buffer composition and IV generation.
type Transmitter struct {
	conn       *net.UDPConn
	serverKey  *cryptor.BufferCryptor
	onReceive  SessionDataHandler
	sendMu     sync.Mutex
	headerBuf  [HeaderSize]byte
	stopCh     chan struct{}
	disposeErr error
	once       sync.Once
}

// New binds a Transmitter to conn, obfuscating headers with serverKey (a
// 16-byte AES-128 key). handler is called from the receive loop for every
// validated datagram; it MUST NOT block.
func New(conn *net.UDPConn, serverKey []byte, handler SessionDataHandler) (*Transmitter, error) {
	c, err := cryptor.New(serverKey)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "transmitter: New")
	}
	return &Transmitter{
		conn:      conn,
		serverKey: c,
		onReceive: handler,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the receive loop in its own goroutine.
func (t *Transmitter) Start() {
	go t.receiveLoop()
}

// Send composes and writes one datagram: a fresh random IV, an obfuscated
// header carrying sessionID and sessionCryptoPos, followed by the caller's
// already session-key-encrypted payload. Concurrent Send calls are
// serialized by sendMu to prevent IV/header interleaving on the shared
// socket.
func (t *Transmitter) Send(sessionID uint64, remote *net.UDPAddr, sessionCryptoPos int64, encryptedPayload []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	hdr := t.headerBuf[:]
	if _, err := rand.Read(hdr[:ivLen]); err != nil {
		return pkgerrors.Wrap(err, "transmitter: Send: rand.Read IV")
	}
	ivPos := int64(binary.BigEndian.Uint64(hdr[:ivLen]) &^ signMask)
	binary.BigEndian.PutUint64(hdr[:ivLen], uint64(ivPos))

	hdr[sigOffset] = signature[0]
	hdr[sigOffset+1] = signature[1]
	for i := reservedOffset; i < reservedOffset+6; i++ {
		hdr[i] = 0
	}
	binary.BigEndian.PutUint64(hdr[sessionIDOffset:sessionIDOffset+8], sessionID)
	binary.BigEndian.PutUint64(hdr[cryptoPosOffset:cryptoPosOffset+8], uint64(sessionCryptoPos))

	t.serverKey.Cipher(hdr, ivLen, HeaderSize, ivPos)

	datagram := make([]byte, 0, HeaderSize+len(encryptedPayload))
	datagram = append(datagram, hdr...)
	datagram = append(datagram, encryptedPayload...)

	n, err := t.conn.WriteToUDP(datagram, remote)
	if err != nil {
		return pkgerrors.Wrap(err, "transmitter: Send: socket write")
	}
	if n != len(datagram) {
		return pkgerrors.Errorf("transmitter: short write: wrote %d of %d bytes", n, len(datagram))
	}
	return nil
}

func (t *Transmitter) receiveLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue // SocketTransient: log and continue
		}

		sessionID, remoteEp, cryptoPos, payloadOffset, ok := t.decodeHeader(buf[:n], remote)
		if !ok {
			continue // Unauthorized / MalformedPacket: drop, continue
		}
		if t.onReceive != nil {
			t.onReceive(sessionID, remoteEp, cryptoPos, buf[:n], payloadOffset)
		}
	}
}

// decodeHeader deobfuscates and validates one inbound datagram's header.
// ok is false when the datagram is too short or fails the signature check
// (checked after header deobfuscation); in either case the handler MUST NOT
// be invoked for this datagram.
func (t *Transmitter) decodeHeader(datagram []byte, remote *net.UDPAddr) (sessionID uint64, remoteEp *net.UDPAddr, cryptoPos int64, payloadOffset int, ok bool) {
	if len(datagram) < HeaderSize {
		return 0, nil, 0, 0, false
	}

	ivPos := int64(binary.BigEndian.Uint64(datagram[:ivLen]) &^ signMask)

	header := append([]byte(nil), datagram[:HeaderSize]...)
	t.serverKey.Cipher(header, ivLen, HeaderSize, ivPos)

	if header[sigOffset] != signature[0] || header[sigOffset+1] != signature[1] {
		return 0, nil, 0, 0, false
	}

	sessionID = binary.BigEndian.Uint64(header[sessionIDOffset : sessionIDOffset+8])
	cryptoPos = int64(binary.BigEndian.Uint64(header[cryptoPosOffset : cryptoPosOffset+8]))
	return sessionID, remote, cryptoPos, HeaderSize, true
}

// Dispose idempotently stops the receive loop and closes the shared socket.
func (t *Transmitter) Dispose() error {
	t.once.Do(func() {
		close(t.stopCh)
		t.disposeErr = t.conn.Close()
	})
	return t.disposeErr
}
