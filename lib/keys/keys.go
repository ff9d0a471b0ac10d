// Package keys provides Ed25519 key-pair generation for the CLI's --gen-key
// mode and the Ed25519↔X25519 point conversions key-authentication mode
// needs: the long-term signing identity is Ed25519, but the rendezvous
// channel name in key mode is derived from an X25519 Diffie-Hellman of the
// two peers' long-term keys, so both representations of the same key must
// be available.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"

	"filippo.io/edwards25519"
	"github.com/gravitational/trace"
)

// KeyPair is a freshly generated Ed25519 identity: Seed is the 32-byte seed
// used with --private-key, Public is the corresponding public key.
type KeyPair struct {
	Seed   []byte
	Public ed25519.PublicKey
}

// Generate produces a fresh random Ed25519 key pair.
func Generate() (KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return KeyPair{}, trace.Wrap(err, "generating ed25519 seed")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return KeyPair{Seed: seed, Public: pub}, nil
}

// Ed25519SeedToX25519 derives the X25519 static private scalar an Ed25519
// seed would use internally: the first half of SHA-512(seed), clamped per
// RFC 7748.
func Ed25519SeedToX25519(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// Ed25519PublicKeyToX25519 converts a compressed Edwards public key to its
// Montgomery u-coordinate (an X25519 public key), by decompressing the
// point and reading its Montgomery form.
func Ed25519PublicKeyToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, trace.Wrap(err, "decompressing ed25519 public key")
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}
