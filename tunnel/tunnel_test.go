package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/xtaci/vpncore/channel"
	"github.com/xtaci/vpncore/ippacket"
)

func loopbackUdpChannelPair(t *testing.T, key []byte, sessionID uint32, mtu int) (client, server *channel.UdpChannel) {
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

	client, err = channel.NewUdpChannel(clientConn, true, sessionID, key, mtu)
	if err != nil {
		t.Fatalf("NewUdpChannel client: %v", err)
	}
	server, err = channel.NewUdpChannel(serverConn, false, sessionID, key, mtu)
	if err != nil {
		t.Fatalf("NewUdpChannel server: %v", err)
	}
	return client, server
}

// TestTunnelUdpChannelRoundTrip checks that client and server, each
// wrapping a UdpChannel in a Tunnel, exchange batches successfully: the
// client calls SendPackets and the server tunnel's packet-received fires
// with 3 packets, then the server sends a 1-packet reply that fires the
// client tunnel's packet-received, each within 5 seconds.
func TestTunnelUdpChannelRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	clientCh, serverCh := loopbackUdpChannelPair(t, key, 99, 1400)

	clientTunnel := New(nil)
	serverTunnel := New(nil)
	defer clientTunnel.Dispose()
	defer serverTunnel.Dispose()

	serverDone := make(chan []*ippacket.Packet, 1)
	serverTunnel.OnReceived(func(batch []*ippacket.Packet) { serverDone <- batch })

	clientDone := make(chan []*ippacket.Packet, 1)
	clientTunnel.OnReceived(func(batch []*ippacket.Packet) { clientDone <- batch })

	if err := clientTunnel.AddChannel(clientCh); err != nil {
		t.Fatalf("client AddChannel: %v", err)
	}
	if err := serverTunnel.AddChannel(serverCh); err != nil {
		t.Fatalf("server AddChannel: %v", err)
	}

	batch := make([]*ippacket.Packet, 3)
	for i := range batch {
		batch[i] = ippacket.NewV4(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), ippacket.ProtocolUDP, []byte{byte(i)})
	}
	if err := clientTunnel.SendPackets(batch); err != nil {
		t.Fatalf("client SendPackets: %v", err)
	}

	select {
	case got := <-serverDone:
		if len(got) != 3 {
			t.Fatalf("server received %d packets, want 3", len(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server tunnel packet-received")
	}

	// Now exercise the other direction through the same tunnels.
	reply := []*ippacket.Packet{
		ippacket.NewV4(net.IPv4(10, 0, 0, 2), net.IPv4(10, 0, 0, 1), ippacket.ProtocolUDP, []byte("reply")),
	}
	if err := serverTunnel.SendPackets(reply); err != nil {
		t.Fatalf("server SendPackets: %v", err)
	}
	select {
	case got := <-clientDone:
		if len(got) != 1 {
			t.Fatalf("client received %d packets, want 1", len(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client tunnel packet-received")
	}
}

func TestTunnelSendWithNoChannelFails(t *testing.T) {
	tun := New(nil)
	batch := []*ippacket.Packet{ippacket.NewV4(net.IPv4(1, 1, 1, 1), net.IPv4(2, 2, 2, 2), ippacket.ProtocolUDP, []byte("x"))}
	if err := tun.SendPackets(batch); err != ErrNoChannel {
		t.Fatalf("SendPackets with no channel err = %v, want ErrNoChannel", err)
	}
}

func TestTunnelDisposeCascades(t *testing.T) {
	key := make([]byte, 16)
	clientCh, serverCh := loopbackUdpChannelPair(t, key, 1, 1400)
	tun := New(nil)
	if err := tun.AddChannel(clientCh); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	serverCh.Dispose()

	if err := tun.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if clientCh.State() != channel.StateDisposed {
		t.Fatalf("client channel state = %v, want Disposed", clientCh.State())
	}
}
