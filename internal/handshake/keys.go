package handshake

import (
	"crypto/sha1"
	"encoding/binary"
	"math/rand/v2"

	"github.com/flynn/noise"
)

// Seed folds secret into the 64-bit value that drives key generation:
// the first eight bytes of its SHA-1 digest, little-endian.
func Seed(secret []byte) uint64 {
	sum := sha1.Sum(secret)
	return binary.LittleEndian.Uint64(sum[:8])
}

// DeriveKeypair returns the static X25519 keypair for secret. Every party
// holding the same secret derives the same keypair, which is how controller
// and agents recognise each other.
//
// The key space is bounded by the entropy of the secret. Anyone who learns
// the secret can impersonate either side.
func DeriveKeypair(secret []byte) (noise.DHKey, error) {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:8], Seed(secret))
	return noise.DH25519.GenerateKeypair(rand.NewChaCha8(seed))
}
