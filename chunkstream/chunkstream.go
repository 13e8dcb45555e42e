// Package chunkstream implements ChunkStream: a length-delimited framing
// layered over any reliable byte transport, with an in-band handshake that
// lets the same transport be handed off to a fresh ChunkStream instance
// ("reuse") without tearing down the connection.
package chunkstream

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// MaxChunkSize bounds a single chunk's declared length; the wire format
// allows any non-negative int32 length but an implementation must pick a
// ceiling.
const MaxChunkSize = 16 << 20 // 16 MiB

var (
	// ErrStreamClosed is returned by any I/O on a ChunkStream after it has
	// been superseded by reuse or explicitly closed.
	ErrStreamClosed = errors.New("chunkstream: stream closed")
	// ErrMalformedFrame flags a negative or over-ceiling chunk length.
	ErrMalformedFrame = errors.New("chunkstream: malformed frame length")
)

// ChunkStream wraps transport with length-prefixed chunk framing. It is
// safe for one concurrent reader and one concurrent writer; CreateReuse
// must not race with an in-flight Read/Write.
type ChunkStream struct {
	id         string
	secret     [16]byte
	transport  io.ReadWriteCloser

	writeMu         sync.Mutex
	wroteChunkCount uint64
	writerClosed    bool

	readMu    sync.Mutex
	remaining int
	finished  bool
	readerClosed bool

	reuseOnce sync.Once
	canReuse  int32 // atomic bool
}

// New binds a fresh ChunkStream to transport, keyed by secret (the 16-byte
// value exchanged during the previous instance's reuse handshake, or any
// caller-chosen value for the first instance on a connection).
func New(transport io.ReadWriteCloser, secret [16]byte) *ChunkStream {
	return &ChunkStream{
		id:        xid.New().String(),
		secret:    secret,
		transport: transport,
		canReuse:  1,
	}
}

// ID returns the stream's unique identifier.
func (s *ChunkStream) ID() string { return s.id }

// Secret returns the 16-byte value this instance was keyed with.
func (s *ChunkStream) Secret() [16]byte { return s.secret }

// WroteChunkCount counts every chunk written, including the terminator.
func (s *ChunkStream) WroteChunkCount() uint64 {
	return atomic.LoadUint64(&s.wroteChunkCount)
}

// CanReuse reports whether this instance may still be handed off via
// CreateReuse; it becomes false once reuse has happened or Close has run.
func (s *ChunkStream) CanReuse() bool {
	return atomic.LoadInt32(&s.canReuse) == 1
}

// Write emits one chunk carrying p, with a declared length equal to len(p).
func (s *ChunkStream) Write(p []byte) (int, error) {
	if len(p) > MaxChunkSize {
		return 0, errors.Wrapf(ErrMalformedFrame, "chunk of %d bytes exceeds %d", len(p), MaxChunkSize)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writerClosed || !s.CanReuse() {
		return 0, ErrStreamClosed
	}
	if err := s.writeChunkLocked(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *ChunkStream) writeChunkLocked(p []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
	if _, err := s.transport.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "chunkstream: write length prefix")
	}
	if len(p) > 0 {
		if _, err := s.transport.Write(p); err != nil {
			return errors.Wrap(err, "chunkstream: write chunk body")
		}
	}
	atomic.AddUint64(&s.wroteChunkCount, 1)
	return nil
}

// Read surfaces the next chunk's bytes, honoring an arbitrary caller buffer
// size across multiple partial reads within one chunk. Once the terminator
// chunk (len == 0) has been observed, Read
// returns io.EOF on every subsequent call until CreateReuse rebinds the
// transport to a new instance.
func (s *ChunkStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.readerClosed || !s.CanReuse() {
		return 0, ErrStreamClosed
	}
	if s.remaining == 0 {
		if s.finished {
			return 0, io.EOF
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(s.transport, lenBuf[:]); err != nil {
			return 0, errors.Wrap(err, "chunkstream: read length prefix")
		}
		length := int32(binary.LittleEndian.Uint32(lenBuf[:]))
		if length < 0 || int(length) > MaxChunkSize {
			return 0, errors.Wrapf(ErrMalformedFrame, "declared length %d", length)
		}
		if length == 0 {
			s.finished = true
			return 0, io.EOF
		}
		s.remaining = int(length)
	}

	n := len(p)
	if n > s.remaining {
		n = s.remaining
	}
	if n == 0 {
		return 0, nil
	}
	read, err := io.ReadFull(s.transport, p[:n])
	s.remaining -= read
	if err != nil {
		return read, errors.Wrap(err, "chunkstream: read chunk body")
	}
	return read, nil
}

// CreateReuse runs the reuse handshake. The side driving reuse (one that
// has not yet observed a terminator on its read side) emits the terminator
// chunk followed by a fresh random nonce; the side that already observed
// the terminator (finished == true) instead reads that nonce off the wire.
// Either way CreateReuse returns a new ChunkStream bound to the same
// transport and keyed by the exchanged nonce, and marks the receiver's
// can_reuse false so further I/O on it fails with ErrStreamClosed.
func (s *ChunkStream) CreateReuse() (*ChunkStream, error) {
	if !s.CanReuse() {
		return nil, ErrStreamClosed
	}

	var nonce [16]byte
	s.readMu.Lock()
	alreadyFinished := s.finished
	s.readMu.Unlock()

	if alreadyFinished {
		if _, err := io.ReadFull(s.transport, nonce[:]); err != nil {
			return nil, errors.Wrap(err, "chunkstream: CreateReuse: read nonce")
		}
	} else {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, errors.Wrap(err, "chunkstream: CreateReuse: rand.Read nonce")
		}
		s.writeMu.Lock()
		err := s.writeChunkLocked(nil)
		if err == nil {
			if _, werr := s.transport.Write(nonce[:]); werr != nil {
				err = errors.Wrap(werr, "chunkstream: CreateReuse: write nonce")
			}
		}
		s.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
		s.readMu.Lock()
		s.finished = true
		s.readMu.Unlock()
	}

	atomic.StoreInt32(&s.canReuse, 0)
	return New(s.transport, nonce), nil
}

// Close performs a graceful disposal: it writes a final terminator chunk
// (if one has not already been written via CreateReuse) and then closes the
// underlying transport. Graceful vs. abrupt disposal differ only in
// whether that terminator is written.
func (s *ChunkStream) Close() error {
	s.writeMu.Lock()
	if !s.writerClosed && s.CanReuse() {
		var nonce [16]byte // discarded: this is a terminal close, not a reuse handshake
		rand.Read(nonce[:])
		if err := s.writeChunkLocked(nil); err == nil {
			s.transport.Write(nonce[:])
		}
	}
	s.writerClosed = true
	s.writeMu.Unlock()
	return s.closeTransport()
}

// CloseAbrupt closes the underlying transport immediately, without writing
// a terminator chunk.
func (s *ChunkStream) CloseAbrupt() error {
	s.writeMu.Lock()
	s.writerClosed = true
	s.writeMu.Unlock()
	return s.closeTransport()
}

func (s *ChunkStream) closeTransport() error {
	var err error
	s.reuseOnce.Do(func() {
		atomic.StoreInt32(&s.canReuse, 0)
		s.readMu.Lock()
		s.readerClosed = true
		s.readMu.Unlock()
		err = s.transport.Close()
	})
	return err
}
