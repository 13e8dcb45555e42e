package chunkstream

import (
	"net"
	"testing"
)

// TestChunkStreamOverCompTransport checks that a ChunkStream layered over a
// CompTransport-wrapped pipe round-trips chunks exactly: the compression
// layer must be fully transparent to the chunk framing above it.
func TestChunkStreamOverCompTransport(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	var secret [16]byte
	writer := New(NewCompTransport(ca), secret)
	reader := New(NewCompTransport(cb), secret)
	defer writer.CloseAbrupt()
	defer reader.CloseAbrupt()

	payload := []byte("compressible compressible compressible payload data")
	writeDone := make(chan error, 1)
	go func() {
		_, err := writer.Write(payload)
		writeDone <- err
	}()

	buf := make([]byte, len(payload))
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q, want %q", buf[:n], payload)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// TestChunkStreamOverQPPTransport checks that a ChunkStream layered over a
// QPPTransport-wrapped pipe round-trips chunks exactly, proving the
// permutation-pad obfuscation composes cleanly with the chunk framing
// above it, and that both ends, sharing a pad and the same 16-byte
// ChunkStream secret as the PRNG seed, decode each other's traffic.
func TestChunkStreamOverQPPTransport(t *testing.T) {
	const padCount = 257 // prime, coprime with qppPower per ValidateQPPParams
	writerPad, err := NewQPPPad(padCount, "shared vpn passphrase")
	if err != nil {
		t.Fatalf("NewQPPPad (writer side): %v", err)
	}
	readerPad, err := NewQPPPad(padCount, "shared vpn passphrase")
	if err != nil {
		t.Fatalf("NewQPPPad (reader side): %v", err)
	}

	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	var secret [16]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}

	writer := New(NewQPPTransport(ca, writerPad, secret), secret)
	reader := New(NewQPPTransport(cb, readerPad, secret), secret)
	defer writer.CloseAbrupt()
	defer reader.CloseAbrupt()

	payload := []byte("obfuscated chunk payload, opaque on the wire")
	want := append([]byte(nil), payload...) // EncryptWithPRNG mutates payload in place
	writeDone := make(chan error, 1)
	go func() {
		_, err := writer.Write(payload)
		writeDone <- err
	}()

	buf := make([]byte, len(want))
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestNewQPPPadRejectsZeroCount(t *testing.T) {
	if _, err := NewQPPPad(0, "whatever"); err == nil {
		t.Fatal("expected error constructing a pad with padCount <= 0")
	}
}
