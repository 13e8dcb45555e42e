// Package cryptor implements the keystream-positioned symmetric cipher that
// backs every encrypted wire format in this module: a deterministic AES-128
// counter-mode stream keyed by a session key, addressable at an arbitrary
// byte offset into the (conceptually infinite) keystream.
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"
)

// ServerPositionBase is the byte offset at which the server's keystream
// subrange begins. Client positions start at 0. Splitting the keystream at
// the midpoint of the non-negative int64 range keeps client and server
// writes from ever colliding on the same (key, position) pair as long as
// neither side's traffic counter overflows it.
const ServerPositionBase int64 = 1 << 62

// KeySize is the AES-128 key length this cryptor requires.
const KeySize = 16

// BufferCryptor XORs byte ranges of a caller-owned buffer against an AES-128
// counter-mode keystream, addressed by an absolute position. It holds no
// mutable state of its own beyond the cipher.Block; callers serialize
// concurrent use externally (a Channel guarantees this per direction).
type BufferCryptor struct {
	block cipher.Block
}

// New builds a BufferCryptor from a 16-byte AES-128 key.
func New(key []byte) (*BufferCryptor, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("cryptor: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cryptor: aes.NewCipher")
	}
	return &BufferCryptor{block: block}, nil
}

// Cipher XORs buf[offset:end] in place against the keystream starting at the
// given absolute position. position must be non-negative; a negative
// position is a programming error and panics rather than silently producing
// the wrong keystream. A range that runs past the largest int64 position is
// not checked and does not panic.
func (c *BufferCryptor) Cipher(buf []byte, offset, end int, position int64) {
	if position < 0 {
		panic("cryptor: negative keystream position")
	}
	if offset < 0 || end < offset || end > len(buf) {
		panic("cryptor: invalid buffer range")
	}

	c.keystream(position, end-offset, buf[offset:end])
}

// KeystreamAt returns n deterministic keystream bytes starting at position,
// without XORing them against any buffer. Used by the transmitter to
// generate the header-obfuscation mask from a random IV.
func (c *BufferCryptor) KeystreamAt(position int64, n int) []byte {
	if position < 0 {
		panic("cryptor: negative keystream position")
	}
	out := make([]byte, n)
	c.keystream(position, n, out)
	return out
}

// keystream XORs dst (length n) against the keystream bytes [position,
// position+n). CTR mode only exposes a block-aligned starting point, so a
// position that falls mid-block is reached by starting the stream at the
// beginning of the block that contains it and discarding the leading bytes
// that precede it; this keeps
// Cipher/KeystreamAt deterministic and composable regardless of how a caller
// chooses to split a range into successive calls.
func (c *BufferCryptor) keystream(position int64, n int, dst []byte) {
	blockStart := position - position%int64(aes.BlockSize)
	skip := int(position - blockStart)

	stream := cipher.NewCTR(c.block, counterIV(blockStart))
	if skip == 0 {
		stream.XORKeyStream(dst, dst)
		return
	}

	scratch := make([]byte, skip+n)
	stream.XORKeyStream(scratch, scratch)
	for i := 0; i < n; i++ {
		dst[i] ^= scratch[skip+i]
	}
}

// counterIV maps a block-aligned absolute byte position into the keystream
// to a 16-byte AES-CTR initialization vector encoding the block index in its
// low 8 bytes.
func counterIV(blockAlignedPosition int64) []byte {
	iv := make([]byte, aes.BlockSize)
	blockIndex := uint64(blockAlignedPosition / aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(blockIndex >> (8 * i))
	}
	return iv
}
