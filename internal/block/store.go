// Package block provides hash-addressed storage for immutable byte blocks.
// A block's address is the hex SHA-256 of its stored bytes; blocks are never
// mutated in place, so writes of the same bytes are idempotent no-ops.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Store dictates the requirements for hash-addressed block storage.
type Store interface {
	Has(address string) bool
	Get(address string) (io.ReadCloser, bool)
	Store(r io.Reader) (string, error)
	StoreAt(address string, r io.Reader) (bool, error)
	Size(address string) (int64, bool)
}

// Address returns the block address for the given bytes.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetBytes reads the whole block at address from s.
func GetBytes(s Store, address string) ([]byte, bool) {
	rc, ok := s.Get(address)
	if !ok {
		return nil, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	return data, true
}
