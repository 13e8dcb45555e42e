// Package channel implements the Channel abstraction: a long-lived,
// stateful, encrypted transport for batches of IP packets, and its legacy
// single-session UDP framing, UdpChannel.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/xtaci/vpncore/ippacket"
)

// State is a Channel's lifecycle state: New -> Started -> Disposed, with
// New -> Disposed also permitted on early failure.
type State int32

const (
	StateNew State = iota
	StateStarted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarted:
		return "started"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Sentinel errors named by meaning. Callers that need to distinguish a
// disposition (drop-and-continue vs. dispose-the-component) should compare
// against these with errors.Is.
var (
	ErrMalformedPacket = errors.New("channel: malformed packet")
	ErrUnauthorized    = errors.New("channel: unauthorized (session id mismatch)")
	ErrOversized       = errors.New("channel: outgoing batch exceeds MTU budget")
	ErrShortWrite      = errors.New("channel: short write")
	ErrSocketFatal     = errors.New("channel: fatal socket error")
	ErrNotStarted      = errors.New("channel: send on channel that is not started")
	ErrDisposed        = errors.New("channel: operation on disposed channel")
)

// Traffic is a Channel's cumulative byte counters, sent and received.
type Traffic struct {
	Sent     uint64
	Received uint64
}

// ReceivedHandler is invoked by a Channel's receive loop whenever a batch of
// packets is decoded off the wire. It MUST NOT block: a handler that needs
// to perform I/O should hand off to its own goroutine.
type ReceivedHandler func(batch []*ippacket.Packet)

// Channel is the behavior every wire format (UdpChannel today; future
// stream-datagram formats later) must expose to a Tunnel: identity,
// lifecycle, a batched send, and a received-packet callback. A Channel has
// exactly one owner (its Tunnel) after attachment; before attachment it owns
// itself.
type Channel interface {
	ID() string
	State() State
	Connected() bool
	LastActivity() time.Time
	Traffic() Traffic
	MTU() int

	// Start transitions New -> Started, launching the receive loop.
	Start() error
	// Send transmits one batch of packets as a single wire write where the
	// format allows it (UdpChannel: one datagram). Fails with ErrNotStarted
	// or ErrDisposed outside the Started state.
	Send(batch []*ippacket.Packet) error
	// OnReceived registers the callback invoked for each received batch.
	// Must be called before Start.
	OnReceived(h ReceivedHandler)
	// Dispose idempotently tears the channel down: cancels the receive
	// loop and closes the socket. The channel's BufferCryptor has no
	// Dispose of its own and is not released separately.
	Dispose() error
}

// baseChannel factors the bookkeeping shared by every Channel
// implementation: id, state, traffic counters, last-activity, and the
// registered receive handler. UdpChannel embeds it.
type baseChannel struct {
	id    string
	state int32 // State, accessed atomically

	mu            sync.Mutex
	connected     bool
	lastActivity  time.Time
	traffic       Traffic
	handler       ReceivedHandler
	disposeOnce   sync.Once
	disposeErr    error
}

func newBaseChannel() baseChannel {
	return baseChannel{
		id:           xid.New().String(),
		state:        int32(StateNew),
		lastActivity: time.Now(),
	}
}

func (b *baseChannel) ID() string { return b.id }

func (b *baseChannel) State() State { return State(atomic.LoadInt32(&b.state)) }

func (b *baseChannel) setState(s State) { atomic.StoreInt32(&b.state, int32(s)) }

func (b *baseChannel) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *baseChannel) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *baseChannel) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

func (b *baseChannel) touch() {
	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()
}

func (b *baseChannel) Traffic() Traffic {
	return Traffic{
		Sent:     atomic.LoadUint64(&b.traffic.Sent),
		Received: atomic.LoadUint64(&b.traffic.Received),
	}
}

func (b *baseChannel) addSent(n uint64) { atomic.AddUint64(&b.traffic.Sent, n) }
func (b *baseChannel) addReceived(n uint64) {
	atomic.AddUint64(&b.traffic.Received, n)
}

func (b *baseChannel) OnReceived(h ReceivedHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *baseChannel) emit(batch []*ippacket.Packet) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil && len(batch) > 0 {
		h(batch)
	}
}
