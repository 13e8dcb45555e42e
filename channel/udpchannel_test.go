package channel

import (
	"net"
	"testing"
	"time"

	"github.com/xtaci/vpncore/ippacket"
)

// newLoopbackChannels builds a client UdpChannel and a server UdpChannel
// sharing a loopback UDP path, each with its own connected socket.
func newLoopbackChannels(t *testing.T, key []byte, sessionID uint32, mtu int) (*UdpChannel, *UdpChannel) {
	t.Helper()

	serverListener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	serverAddr := serverListener.LocalAddr().(*net.UDPAddr)
	serverListener.Close()

	clientListener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	clientAddr := clientListener.LocalAddr().(*net.UDPAddr)
	clientListener.Close()

	serverConn, err := net.DialUDP("udp", serverAddr, clientAddr)
	if err != nil {
		t.Fatalf("DialUDP server: %v", err)
	}
	clientConn, err := net.DialUDP("udp", clientAddr, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP client: %v", err)
	}

	clientCh, err := NewUdpChannel(clientConn, true, sessionID, key, mtu)
	if err != nil {
		t.Fatalf("NewUdpChannel client: %v", err)
	}
	serverCh, err := NewUdpChannel(serverConn, false, sessionID, key, mtu)
	if err != nil {
		t.Fatalf("NewUdpChannel server: %v", err)
	}
	return clientCh, serverCh
}

func randomBatch(n int) []*ippacket.Packet {
	batch := make([]*ippacket.Packet, n)
	for i := range batch {
		payload := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
		batch[i] = ippacket.NewV4(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), ippacket.ProtocolUDP, payload)
	}
	return batch
}

func TestUdpChannelLoopbackRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}

	clientCh, serverCh := newLoopbackChannels(t, key, 200, 1400)

	var received [][]*ippacket.Packet
	done := make(chan struct{}, 1)
	serverCh.OnReceived(func(batch []*ippacket.Packet) {
		received = append(received, batch)
		done <- struct{}{}
	})

	if err := clientCh.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	if err := serverCh.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer clientCh.Dispose()
	defer serverCh.Dispose()

	batch := randomBatch(3)
	if err := clientCh.Send(batch); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server to receive batch")
	}

	if len(received) != 1 || len(received[0]) != 3 {
		t.Fatalf("received = %#v", received)
	}
	for i, p := range received[0] {
		if p.Payload[0] != byte(i) {
			t.Fatalf("packet %d payload[0] = %d, want %d", i, p.Payload[0], i)
		}
	}
}

func TestUdpChannelWrongSessionIsDropped(t *testing.T) {
	key := make([]byte, 16)
	clientCh, serverCh := newLoopbackChannels(t, key, 1, 1400)
	// Server expects a different session id than the client will send.
	serverCh.sessionID = 2

	var gotCall bool
	serverCh.OnReceived(func(batch []*ippacket.Packet) { gotCall = true })

	if err := clientCh.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	if err := serverCh.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer clientCh.Dispose()
	defer serverCh.Dispose()

	if err := clientCh.Send(randomBatch(1)); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if gotCall {
		t.Fatal("server delivered a batch despite session id mismatch")
	}
}

func TestUdpChannelSendBeforeStartFails(t *testing.T) {
	key := make([]byte, 16)
	clientCh, serverCh := newLoopbackChannels(t, key, 1, 1400)
	defer serverCh.Dispose()
	if err := clientCh.Send(randomBatch(1)); err == nil {
		t.Fatal("expected error sending before Start")
	}
}

func TestUdpChannelOversizedBatchFails(t *testing.T) {
	key := make([]byte, 16)
	clientCh, serverCh := newLoopbackChannels(t, key, 1, 64)
	defer serverCh.Dispose()
	if err := clientCh.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer clientCh.Dispose()

	if err := clientCh.Send(randomBatch(20)); err == nil {
		t.Fatal("expected ErrOversized for a batch exceeding the MTU budget")
	}
}

func TestUdpChannelDisposeIsIdempotent(t *testing.T) {
	key := make([]byte, 16)
	clientCh, serverCh := newLoopbackChannels(t, key, 1, 1400)
	defer serverCh.Dispose()
	if err := clientCh.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := clientCh.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := clientCh.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if clientCh.State() != StateDisposed {
		t.Fatalf("state = %v, want Disposed", clientCh.State())
	}
}
