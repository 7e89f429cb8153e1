package block

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"
)

// Assert that BadgerStore implements the Store interface.
var _ Store = (*BadgerStore)(nil)

// BadgerStore persists blocks in a badger key-value database. Keys are the
// raw hash bytes; values are the block bytes. Because writes are
// content-addressed inserts, concurrent writers of the same block are
// idempotent.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger-backed block store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open block store at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func storeKey(address string) ([]byte, error) {
	key, err := hex.DecodeString(address)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("invalid block address %q", address)
	}
	return key, nil
}

// Has reports whether the store holds the given address.
func (s *BadgerStore) Has(address string) bool {
	key, err := storeKey(address)
	if err != nil {
		return false
	}
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	return err == nil
}

// Get returns the block bytes for the given address.
func (s *BadgerStore) Get(address string) (io.ReadCloser, bool) {
	key, err := storeKey(address)
	if err != nil {
		return nil, false
	}
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	return io.NopCloser(bytes.NewReader(data)), true
}

// Store saves the bytes read from r and returns their address.
func (s *BadgerStore) Store(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	address := Address(data)
	key, _ := storeKey(address)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return "", err
	}
	return address, nil
}

// StoreAt saves the bytes read from r at the given address. It returns false
// without storing anything when the bytes do not hash to the address.
func (s *BadgerStore) StoreAt(address string, r io.Reader) (bool, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if Address(data) != address {
		return false, nil
	}
	key, err := storeKey(address)
	if err != nil {
		return false, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the stored size of the block at address.
func (s *BadgerStore) Size(address string) (int64, bool) {
	key, err := storeKey(address)
	if err != nil {
		return 0, false
	}
	var size int64
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return nil
	})
	if err != nil {
		return 0, false
	}
	return size, true
}
