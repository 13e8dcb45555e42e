// Package keymaterial derives the BufferCryptor keys used across this
// module's channels from an operator-supplied passphrase, and validates the
// optional Quantum Permutation Pad parameters used by ChunkStream's
// obfuscation layer. Authentication, handshake, and key negotiation with a
// peer are out of scope here; this package only turns a pre-shared
// passphrase into the key material a deployment's binaries need at startup.
package keymaterial

import (
	"crypto/sha1"
	"fmt"

	"github.com/fatih/color"
	"golang.org/x/crypto/pbkdf2"

	"github.com/xtaci/vpncore/chunkstream"
	"github.com/xtaci/vpncore/cryptor"
)

// salt is fixed across deployments: the passphrase itself is the actual
// secret, so the salt only needs to be domain-separating, not secret.
const salt = "vpncore-keymaterial"

// pbkdf2Iterations and derivedKeyLen set the derivation parameters: 4096
// rounds, SHA-1, 32-byte output split into two AES-128 keys.
const (
	pbkdf2Iterations = 4096
	derivedKeyLen    = 32
)

// DeriveSessionKeys expands a passphrase into the two independent AES-128
// keys a session needs: one for BufferCryptor (packet payload encryption)
// and one for UdpChannelTransmitter's header obfuscation. Using a single
// pbkdf2 expansion for both keeps the passphrase itself the only long-term
// secret in play.
func DeriveSessionKeys(passphrase string) (payloadKey, headerKey []byte) {
	derived := pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, derivedKeyLen, sha1.New)
	return derived[:cryptor.KeySize], derived[cryptor.KeySize:]
}

// ValidateQPPParams checks the caller's QPP pad count and seed, printing
// any non-fatal warnings to the terminal in red and returning an error only
// for a configuration that cannot function at all.
func ValidateQPPParams(padCount int, seed string) error {
	warnings, err := chunkstream.ValidateQPPParams(padCount, seed)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		color.Red(w)
	}
	return nil
}

// Fingerprint renders a short human-readable identifier for a derived key,
// for logging at startup without printing the key itself.
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%02x%02x..%02x%02x", key[0], key[1], key[len(key)-2], key[len(key)-1])
}
