// Package identity provides the key material behind an owner identity.
// Identities are ed25519 key pairs; the public identity is the hex-encoded
// public key and is the value other components use to address, classify,
// and verify a peer or owner.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// Provider is an interface for types that can provide an ID.
type Provider interface {
	ID() string
}

// SeedSize is the size of a key pair seed in bytes.
const SeedSize = ed25519.SeedSize

// ErrInvalidIdentity is returned when an identity string is not a valid
// hex-encoded ed25519 public key.
var ErrInvalidIdentity = errors.New("invalid identity")

// KeyPair holds the signing keys for one identity.
type KeyPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{pub: pub, priv: priv}, nil
}

// FromSeed derives a key pair from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// FromSeedFile loads a hex-encoded seed from path. If the file does not
// exist a new seed is generated and written there with owner-only
// permissions.
func FromSeedFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(trimNewline(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode seed file %q: %w", path, err)
		}
		return FromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write seed file %q: %w", path, err)
	}
	return FromSeed(seed)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// ID returns the public identity: the hex-encoded public key.
func (k *KeyPair) ID() string {
	return hex.EncodeToString(k.pub)
}

// Sign signs the message with the private key.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// OwnerSecret derives the symmetric secret used for the private visibility
// tier. It is bound to the private key so only the owner can reproduce it.
func (k *KeyPair) OwnerSecret() [32]byte {
	mac := hmac.New(sha256.New, k.priv.Seed())
	mac.Write([]byte("canopy/owner-secret"))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Verify checks that sig is a valid signature of message by the identity id.
func Verify(id string, message, sig []byte) bool {
	pub, err := hex.DecodeString(id)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// ValidID reports whether id is a well-formed public identity.
func ValidID(id string) bool {
	pub, err := hex.DecodeString(id)
	return err == nil && len(pub) == ed25519.PublicKeySize
}
