package directory

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
)

// zbase32 is the human-oriented base32 alphabet used for public keys.
var zbase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// Keypair is an ed25519 signing identity. The zero value is unusable.
type Keypair struct {
	priv ed25519.PrivateKey
}

// GenerateKeypair draws a new keypair from r, or crypto/rand when r is nil.
func GenerateKeypair(r io.Reader) (Keypair, error) {
	if r == nil {
		r = rand.Reader
	}
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{priv: priv}, nil
}

// KeypairFromSeed rebuilds a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return Keypair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Valid reports whether the keypair holds key material.
func (k Keypair) Valid() bool { return len(k.priv) == ed25519.PrivateKeySize }

// PublicKey returns the z-base-32 rendering of the public half.
func (k Keypair) PublicKey() string {
	if !k.Valid() {
		return ""
	}
	return EncodePublicKey(k.priv.Public().(ed25519.PublicKey))
}

// Sign signs msg. It panics on a zero Keypair, like ed25519.Sign.
func (k Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// EncodePublicKey renders a public key as z-base-32.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return zbase32.EncodeToString(pub)
}

// ParsePublicKey decodes a z-base-32 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := zbase32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// Verify checks sig over msg against a z-base-32 public key.
func Verify(publicKey string, msg, sig []byte) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
