// Package tunnel implements Tunnel: the multiplexer that aggregates one or
// more Channels, round-robins egress traffic across them by MTU budget,
// and fans ingress traffic from every owned channel into a single
// packet-received event.
package tunnel

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/xtaci/vpncore/channel"
	"github.com/xtaci/vpncore/ippacket"
)

// ErrNoChannel is returned by SendPackets when the tunnel owns no channel
// that is started and not disposed.
var ErrNoChannel = errors.New("tunnel: no usable channel")

// ReceivedHandler is invoked for every batch bubbling up from any owned
// channel, re-emitted verbatim on the tunnel's own packet-received event.
// It MUST NOT suspend.
type ReceivedHandler func(batch []*ippacket.Packet)

// Tunnel holds an ordered list of attached channels.
type Tunnel struct {
	mu       sync.Mutex
	channels []channel.Channel
	next     int // not read: pickChannel keeps the first-listed channel when activity ties

	handlerMu sync.Mutex
	handler   ReceivedHandler

	metrics *Metrics
}

// New builds an empty Tunnel. metrics may be nil to skip Prometheus
// instrumentation (e.g. in unit tests).
func New(metrics *Metrics) *Tunnel {
	return &Tunnel{metrics: metrics}
}

// OnReceived registers the handler invoked for every ingress batch. Must be
// called before AddChannel to avoid racing an already-started channel's
// first delivery.
func (t *Tunnel) OnReceived(h ReceivedHandler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// AddChannel starts c if it is not already started, subscribes to its
// packet-received, and appends it to the tunnel's channel list.
func (t *Tunnel) AddChannel(c channel.Channel) error {
	if c.State() == channel.StateNew {
		if err := c.Start(); err != nil {
			return errors.Wrap(err, "tunnel: AddChannel: Start")
		}
	}
	c.OnReceived(func(batch []*ippacket.Packet) {
		if t.metrics != nil {
			t.metrics.ObservePacketsReceived(len(batch))
		}
		t.handlerMu.Lock()
		h := t.handler
		t.handlerMu.Unlock()
		if h != nil {
			h(batch)
		}
	})
	if c.State() == channel.StateNew {
		if err := c.Start(); err != nil {
			return errors.Wrap(err, "tunnel: AddChannel: Start")
		}
	}

	t.mu.Lock()
	t.channels = append(t.channels, c)
	t.mu.Unlock()
	return nil
}

// Channels returns a snapshot of the tunnel's attached channels.
func (t *Tunnel) Channels() []channel.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]channel.Channel, len(t.channels))
	copy(out, t.channels)
	return out
}

// SendPackets partitions batch into sub-batches no larger than the chosen
// channel's MTU budget and dispatches them across channels by round-robin,
// preferring connected channels with the oldest last-activity.
func (t *Tunnel) SendPackets(batch []*ippacket.Packet) error {
	for len(batch) > 0 {
		c, err := t.pickChannel()
		if err != nil {
			return err
		}

		sub, rest := partitionByMTU(batch, c.MTU())
		if len(sub) == 0 {
			// Not even one packet fits the chosen channel's budget; this
			// indicates an oversized single packet relative to every
			// attached channel's MTU, which Send itself will reject.
			sub, rest = batch[:1], batch[1:]
		}

		if err := c.Send(sub); err != nil {
			return errors.Wrap(err, "tunnel: SendPackets")
		}
		if t.metrics != nil {
			t.metrics.ObservePacketsSent(len(sub))
		}
		batch = rest
	}
	return nil
}

// pickChannel selects the channel to use for the next sub-batch: connected
// channels are preferred, ties broken by oldest last-activity.
func (t *Tunnel) pickChannel() (channel.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best channel.Channel
	for _, c := range t.channels {
		if c.State() != channel.StateStarted {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if betterCandidate(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoChannel
	}
	return best, nil
}

// betterCandidate reports whether candidate should be preferred over
// current: connected beats not-connected, and within the same connectedness
// the older last-activity goes first.
func betterCandidate(candidate, current channel.Channel) bool {
	cConnected, curConnected := candidate.Connected(), current.Connected()
	if cConnected != curConnected {
		return cConnected
	}
	return candidate.LastActivity().Before(current.LastActivity())
}

// partitionByMTU splits the leading run of batch that fits within mtu bytes
// of serialized packet wire length, returning (fits, remainder). A packet
// whose own wire size already exceeds mtu is left for the caller to send
// alone (and likely fail against Send's own budget check).
func partitionByMTU(batch []*ippacket.Packet, mtu int) (fits, remainder []*ippacket.Packet) {
	used := 0
	for i, p := range batch {
		wire, err := p.Bytes()
		if err != nil {
			continue
		}
		if used+len(wire) > mtu && i > 0 {
			return batch[:i], batch[i:]
		}
		used += len(wire)
	}
	return batch, nil
}

// Dispose cascades disposal to every owned channel.
func (t *Tunnel) Dispose() error {
	t.mu.Lock()
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	var firstErr error
	for _, c := range channels {
		if err := c.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
