package block

import (
	"bytes"
	"io"
	"sync"
)

// Assert that MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps blocks in an in-process map. It is safe for concurrent
// use and is the store of choice for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string][]byte)}
}

// Has reports whether the store holds the given address.
func (s *MemoryStore) Has(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[address]
	return ok
}

// Get returns the block bytes for the given address.
func (s *MemoryStore) Get(address string) (io.ReadCloser, bool) {
	s.mu.RLock()
	data, ok := s.blocks[address]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return io.NopCloser(bytes.NewReader(data)), true
}

// Store saves the bytes read from r and returns their address.
func (s *MemoryStore) Store(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	address := Address(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[address] = data
	return address, nil
}

// StoreAt saves the bytes read from r at the given address. It returns false
// without storing anything when the bytes do not hash to the address.
func (s *MemoryStore) StoreAt(address string, r io.Reader) (bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if Address(data) != address {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[address] = data
	return true, nil
}

// Size returns the stored size of the block at address.
func (s *MemoryStore) Size(address string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[address]
	if !ok {
		return 0, false
	}
	return int64(len(data)), true
}

// Len returns the number of blocks held, for tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
