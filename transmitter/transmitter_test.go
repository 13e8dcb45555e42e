package transmitter

import (
	"net"
	"sync"
	"testing"
	"time"
)

func loopbackSocketPair(t *testing.T) (server, client *net.UDPConn) {
	t.Helper()

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP server: %v", err)
	}
	client, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	return server, client
}

// TestTransmitterRoundTrip covers the ordinary path: a valid obfuscated
// header is deobfuscated, the signature checks out, and on_receive_data is
// invoked with the right sessionID, cryptoPos, and payload offset.
func TestTransmitterRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}

	server, client := loopbackSocketPair(t)
	defer client.Close()

	var mu sync.Mutex
	var gotSessionID uint64
	var gotCryptoPos int64
	var gotPayload []byte
	done := make(chan struct{}, 1)

	tr, err := New(server, key, func(sessionID uint64, remote *net.UDPAddr, cryptoPos int64, buf []byte, payloadOffset int) {
		mu.Lock()
		gotSessionID = sessionID
		gotCryptoPos = cryptoPos
		gotPayload = append([]byte(nil), buf[payloadOffset:]...)
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Start()
	defer tr.Dispose()

	sender, err := New(client, key, nil)
	if err != nil {
		t.Fatalf("New sender: %v", err)
	}
	defer sender.Dispose()

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	payload := []byte("opaque session-encrypted payload")
	if err := sender.Send(42, serverAddr, 1000, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for on_receive_data")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSessionID != 42 {
		t.Fatalf("sessionID = %d, want 42", gotSessionID)
	}
	if gotCryptoPos != 1000 {
		t.Fatalf("cryptoPos = %d, want 1000", gotCryptoPos)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

// TestTransmitterRejectsCorruptedSignature checks that a datagram whose
// obfuscated region has been corrupted in transit fails the signature
// check, does not invoke the handler, and does not prevent the transmitter
// from serving subsequent valid datagrams.
func TestTransmitterRejectsCorruptedSignature(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1)
	}

	server, client := loopbackSocketPair(t)
	defer client.Close()

	var calls int32
	done := make(chan struct{}, 1)
	tr, err := New(server, key, func(sessionID uint64, remote *net.UDPAddr, cryptoPos int64, buf []byte, payloadOffset int) {
		calls++
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Start()
	defer tr.Dispose()

	serverAddr := server.LocalAddr().(*net.UDPAddr)

	// Hand-craft a corrupted datagram: an arbitrary IV followed by garbage in
	// place of a correctly obfuscated header.
	bad := make([]byte, HeaderSize+8)
	for i := range bad {
		bad[i] = byte(i * 7)
	}
	if _, err := client.WriteToUDP(bad, serverAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("on_receive_data invoked %d times for a corrupted signature, want 0", calls)
	}

	// The transmitter must still be alive and correctly serve a subsequent
	// legitimate datagram.
	sender, err := New(client, key, nil)
	if err != nil {
		t.Fatalf("New sender: %v", err)
	}
	defer sender.Dispose()
	if err := sender.Send(7, serverAddr, 5, []byte("still works")); err != nil {
		t.Fatalf("Send after corrupted datagram: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for on_receive_data after corrupted datagram")
	}
}

// TestTransmitterShortDatagramDropped covers a datagram too small to hold
// the fixed header: it must be dropped without panicking the receive loop.
func TestTransmitterShortDatagramDropped(t *testing.T) {
	key := make([]byte, 16)
	server, client := loopbackSocketPair(t)
	defer client.Close()

	var calls int32
	tr, err := New(server, key, func(sessionID uint64, remote *net.UDPAddr, cryptoPos int64, buf []byte, payloadOffset int) {
		calls++
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Start()
	defer tr.Dispose()

	serverAddr := server.LocalAddr().(*net.UDPAddr)
	if _, err := client.WriteToUDP([]byte{1, 2, 3}, serverAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("on_receive_data invoked for a short datagram, want 0")
	}
}

// TestTransmitterDisposeIsIdempotent mirrors the Channel disposal contract:
// Dispose may be called more than once safely.
func TestTransmitterDisposeIsIdempotent(t *testing.T) {
	key := make([]byte, 16)
	server, client := loopbackSocketPair(t)
	client.Close()

	tr, err := New(server, key, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Start()
	if err := tr.Dispose(); err != nil {
		t.Fatalf("first Dispose: %v", err)
	}
	if err := tr.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}
