// Package cid defines the content identifier used by every reference in the
// tree. A CID is the SHA-256 hash of the stored bytes, optionally paired with
// the 32-byte symmetric key needed to decrypt them. The hash always covers
// the stored (possibly encrypted) bytes so integrity can be verified without
// the key.
package cid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// HashSize is the size of a block hash in bytes.
const HashSize = sha256.Size

// KeySize is the size of an embedded decryption key in bytes.
const KeySize = 32

var (
	// ErrInvalidCID is returned when parsing a malformed CID string.
	ErrInvalidCID = errors.New("invalid cid")
)

// CID identifies a block by the hash of its stored bytes. Key, when present,
// is the symmetric key that decrypts those bytes.
type CID struct {
	Hash [HashSize]byte
	Key  []byte
}

// Sum returns the CID of the given stored bytes, with no key.
func Sum(data []byte) CID {
	return CID{Hash: sha256.Sum256(data)}
}

// FromAddress parses a bare hex block address into a keyless CID.
func FromAddress(address string) (CID, error) {
	var c CID
	raw, err := hex.DecodeString(address)
	if err != nil || len(raw) != HashSize {
		return CID{}, fmt.Errorf("%w: bad address %q", ErrInvalidCID, address)
	}
	copy(c.Hash[:], raw)
	return c, nil
}

// Parse decodes the textual form produced by String: the hex hash, optionally
// followed by ":" and the hex key.
func Parse(s string) (CID, error) {
	hashPart, keyPart, hasKey := strings.Cut(s, ":")
	c, err := FromAddress(hashPart)
	if err != nil {
		return CID{}, err
	}
	if hasKey {
		key, err := hex.DecodeString(keyPart)
		if err != nil || len(key) != KeySize {
			return CID{}, fmt.Errorf("%w: bad key", ErrInvalidCID)
		}
		c.Key = key
	}
	return c, nil
}

// WithKey returns a copy of c carrying the given decryption key.
func (c CID) WithKey(key []byte) CID {
	out := CID{Hash: c.Hash}
	if len(key) > 0 {
		out.Key = append([]byte(nil), key...)
	}
	return out
}

// Bare returns a copy of c with the key stripped.
func (c CID) Bare() CID {
	return CID{Hash: c.Hash}
}

// Address returns the hex block address used by the storage layer.
func (c CID) Address() string {
	return hex.EncodeToString(c.Hash[:])
}

// HasKey reports whether the CID carries a decryption key.
func (c CID) HasKey() bool {
	return len(c.Key) == KeySize
}

// IsZero reports whether the CID is the zero value.
func (c CID) IsZero() bool {
	return c.Hash == [HashSize]byte{} && len(c.Key) == 0
}

// Equal reports whether two CIDs reference the same bytes with the same key.
func (c CID) Equal(other CID) bool {
	return c.String() == other.String()
}

// String returns the textual form: hex hash, with ":" and the hex key
// appended when one is embedded.
func (c CID) String() string {
	if c.HasKey() {
		return c.Address() + ":" + hex.EncodeToString(c.Key)
	}
	return c.Address()
}

// MarshalText implements encoding.TextMarshaler.
func (c CID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
