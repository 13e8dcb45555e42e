package pingproxy

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/vpncore/ippacket"
)

type poolEntry struct {
	proxy    *PingProxy
	lastUsed time.Time
}

// Pool is PingProxyPool: a bounded LRU map of source-IP -> PingProxy, so
// the tunnel never opens more native ICMP sockets than maxClientCount
// allows.
type Pool struct {
	maxClientCount int
	timeout        time.Duration
	receiver       Receiver

	mu       sync.Mutex
	entries  map[string]*poolEntry
	disposed bool
}

// NewPool builds a PingProxyPool. A zero timeout falls back to
// DefaultTimeout.
func NewPool(maxClientCount int, timeout time.Duration, receiver Receiver) *Pool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		maxClientCount: maxClientCount,
		timeout:        timeout,
		receiver:       receiver,
		entries:        make(map[string]*poolEntry),
	}
}

// SendPacket looks up the proxy for pkt.Source, creating one (or evicting
// the LRU entry) as needed, then dispatches the echo asynchronously so the
// pool's map lock is never held across network I/O.
func (p *Pool) SendPacket(pkt *ippacket.Packet) error {
	key := pkt.Source.String()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrPoolDisposed
	}

	entry, ok := p.entries[key]
	if ok {
		entry.lastUsed = time.Now()
		proxy := entry.proxy
		p.mu.Unlock()
		go proxy.Echo(pkt)
		return nil
	}

	if len(p.entries) >= p.maxClientCount && p.maxClientCount > 0 {
		p.evictLRULocked()
	}

	proxy, err := newPingProxy(pkt.Source, p.timeout, p.receiver)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.entries[key] = &poolEntry{proxy: proxy, lastUsed: time.Now()}
	p.mu.Unlock()

	go proxy.Echo(pkt)
	return nil
}

// evictLRULocked disposes and removes the entry with the oldest lastUsed.
// Callers must hold p.mu.
func (p *Pool) evictLRULocked() {
	var lruKey string
	var lruTime time.Time
	first := true
	for k, e := range p.entries {
		if first || e.lastUsed.Before(lruTime) {
			lruKey, lruTime, first = k, e.lastUsed, false
		}
	}
	if lruKey == "" {
		return
	}
	p.entries[lruKey].proxy.Dispose()
	delete(p.entries, lruKey)
}

// Size reports the number of live PingProxy entries, for tests and
// metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dispose tears down every owned PingProxy.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	var firstErr error
	for k, e := range p.entries {
		if err := e.proxy.Dispose(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "pingproxy: dispose %s", k)
		}
		delete(p.entries, k)
	}
	return firstErr
}
