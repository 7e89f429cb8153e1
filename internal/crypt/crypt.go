// Package crypt implements the three-tier visibility model. Public content
// is stored in the clear. Unlisted and private content is sealed with a
// per-tree symmetric key: random for unlisted trees (transmitted out of band
// in the capability link), derived from the owner's key material for private
// trees (so no link can exist that grants a non-owner access).
//
// Sealing is deterministic for a given key and plaintext so that writing the
// same bytes twice yields the same stored block and therefore the same CID.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Visibility selects who can read a tree's content.
type Visibility string

const (
	// Public content carries no key; any holder of the pointer can read.
	Public Visibility = "public"
	// Unlisted content is sealed with a key transmitted out of band.
	Unlisted Visibility = "unlisted"
	// Private content is sealed with a key only the owner can derive.
	Private Visibility = "private"
)

// KeySize is the size of a tree key in bytes.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrDecryptionFailure is returned when content cannot be decrypted:
	// the key is absent, wrong, or the ciphertext does not authenticate.
	// Callers surface this as an access-denied condition, distinct from
	// missing content.
	ErrDecryptionFailure = errors.New("decryption failure")
)

// Valid reports whether v is a known visibility tier.
func (v Visibility) Valid() bool {
	return v == Public || v == Unlisted || v == Private
}

// Encrypted reports whether content at this tier is sealed.
func (v Visibility) Encrypted() bool {
	return v == Unlisted || v == Private
}

// NewKey returns a fresh random tree key, used for unlisted trees.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveTreeKey derives the tree key for a private tree from the owner
// secret and tree name. Only the holder of the owner secret can reproduce it.
func DeriveTreeKey(ownerSecret [32]byte, treeName string) []byte {
	mac := hmac.New(sha256.New, ownerSecret[:])
	mac.Write([]byte("canopy/tree/" + treeName))
	return mac.Sum(nil)
}

// Seal encrypts plaintext under key with XChaCha20-Poly1305. The nonce is
// derived from the key and plaintext, so sealing is deterministic: identical
// input always yields identical ciphertext, which keeps content addressing
// idempotent. The nonce is prepended to the ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := deriveNonce(key, plaintext)
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal. A nil key, truncated
// ciphertext, or failed authentication all yield ErrDecryptionFailure.
func Open(key, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key required", ErrDecryptionFailure)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: short ciphertext", ErrDecryptionFailure)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// SealKeyToOwner encrypts a tree key under the owner secret so the owner can
// recover access to an unlisted tree without its capability link. The copy
// uses a random nonce; it is never content-addressed.
func SealKeyToOwner(ownerSecret [32]byte, treeKey []byte) ([]byte, error) {
	wrap := keyWrapKey(ownerSecret)
	aead, err := chacha20poly1305.NewX(wrap)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := append([]byte(nil), nonce...)
	return aead.Seal(out, nonce, treeKey, nil), nil
}

// OpenOwnerSealedKey recovers a tree key sealed with SealKeyToOwner.
func OpenOwnerSealedKey(ownerSecret [32]byte, sealed []byte) ([]byte, error) {
	wrap := keyWrapKey(ownerSecret)
	aead, err := chacha20poly1305.NewX(wrap)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: short key copy", ErrDecryptionFailure)
	}
	key, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return key, nil
}

// deriveNonce computes a synthetic nonce bound to both key and plaintext.
// The key is unique per tree and the plaintext varies per block, so nonce
// reuse with distinct plaintexts cannot occur.
func deriveNonce(key, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("canopy/nonce"))
	mac.Write(plaintext)
	return mac.Sum(nil)[:chacha20poly1305.NonceSizeX]
}

func keyWrapKey(ownerSecret [32]byte) []byte {
	mac := hmac.New(sha256.New, ownerSecret[:])
	mac.Write([]byte("canopy/key-wrap"))
	return mac.Sum(nil)
}
