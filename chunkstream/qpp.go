package chunkstream

import (
	"fmt"
	"io"
	"math/big"

	"github.com/xtaci/qpp"
)

// qppPower is the permutation dimension used for every QPP-obfuscated
// transport in this package.
const qppPower = 8

// ValidateQPPParams inspects caller-supplied QPP settings and returns a
// fatal error for a configuration that cannot work at all, plus non-fatal
// warnings for choices that work but weaken the obfuscation.
func ValidateQPPParams(padCount int, seed string) ([]string, error) {
	if padCount <= 0 {
		return nil, fmt.Errorf("chunkstream: QPP pad count must be greater than 0 when QPP is enabled")
	}

	var warnings []string

	minSeedLength := qpp.QPPMinimumSeedLength(qppPower)
	if len(seed) < minSeedLength {
		warnings = append(warnings, fmt.Sprintf("QPP warning: seed is %d bytes, need at least %d", len(seed), minSeedLength))
	}

	minPads := qpp.QPPMinimumPads(qppPower)
	if padCount < minPads {
		warnings = append(warnings, fmt.Sprintf("QPP warning: pad count %d, need at least %d", padCount, minPads))
	}

	if new(big.Int).GCD(nil, nil, big.NewInt(int64(padCount)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("QPP warning: pad count %d should be coprime with %d; prefer a prime", padCount, qppPower))
	}

	return warnings, nil
}

// NewQPPPad validates padCount/passphrase and, if they pass, builds the
// QuantumPermutationPad shared by every QPPTransport on a connection. This
// folds pad construction and parameter validation into one call instead of
// leaving validation to one caller and construction to another.
func NewQPPPad(padCount int, passphrase string) (*qpp.QuantumPermutationPad, error) {
	if _, err := ValidateQPPParams(padCount, passphrase); err != nil {
		return nil, err
	}
	return qpp.NewQPP([]byte(passphrase), uint16(padCount)), nil
}

// QPPTransport wraps an io.ReadWriteCloser with Quantum Permutation Pad
// obfuscation, giving ChunkStream's length-prefixed framing a layer that
// hides chunk boundaries from passive observers on the wire.
type QPPTransport struct {
	underlying io.ReadWriteCloser

	pad   *qpp.QuantumPermutationPad
	wprng *qpp.Rand
	rprng *qpp.Rand
}

// NewQPPTransport builds a QPPTransport sharing pad across every stream on
// a connection. The PRNG seed is a ChunkStream secret rather than an
// arbitrary byte slice: the same 16-byte value exchanged by CreateReuse
// (see ChunkStream.Secret) reseeds the obfuscation layer each time the
// stream is reused, instead of one static seed living for the whole
// connection.
func NewQPPTransport(underlying io.ReadWriteCloser, pad *qpp.QuantumPermutationPad, secret [16]byte) *QPPTransport {
	return &QPPTransport{
		underlying: underlying,
		pad:        pad,
		wprng:      qpp.CreatePRNG(secret[:]),
		rprng:      qpp.CreatePRNG(secret[:]),
	}
}

func (t *QPPTransport) Read(p []byte) (int, error) {
	n, err := t.underlying.Read(p)
	t.pad.DecryptWithPRNG(p[:n], t.rprng)
	return n, err
}

func (t *QPPTransport) Write(p []byte) (int, error) {
	t.pad.EncryptWithPRNG(p, t.wprng)
	return t.underlying.Write(p)
}

func (t *QPPTransport) Close() error {
	return t.underlying.Close()
}
