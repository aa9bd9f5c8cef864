package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// X25519PublicFromEd25519 converts an Ed25519 identity key to its X25519 (Montgomery) form.
// Agents register this as their tunnel key so one seed covers signing and tunnel traffic.
func X25519PublicFromEd25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return p.BytesMontgomery(), nil
}

// X25519PrivateFromSeed derives the X25519 scalar matching X25519PublicFromEd25519.
func X25519PrivateFromSeed(seed []byte) ([]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:KeySize], nil
}

// TunnelKeyPair returns the X25519 key pair derived from an Ed25519 private key.
func TunnelKeyPair(priv ed25519.PrivateKey) (*KeyPair, error) {
	scalar, err := X25519PrivateFromSeed(priv.Seed())
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{}
	copy(kp.Private[:], scalar)
	copy(kp.Public[:], pub)
	return kp, nil
}
