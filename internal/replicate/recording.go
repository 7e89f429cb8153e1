package replicate

import (
	"io"

	"canopy/internal/block"
)

// RecordingStore wraps a block.Store and reports every successful write,
// so the replicator learns about new blocks without the writers knowing
// about replication.
// blockStore aliases block.Store so it can be embedded in RecordingStore
// without the field name colliding with the Store method.
type blockStore = block.Store

type RecordingStore struct {
	blockStore
	onWrite func(address string)
}

// NewRecordingStore wraps store, invoking onWrite with the address of each
// stored block.
func NewRecordingStore(store block.Store, onWrite func(address string)) *RecordingStore {
	return &RecordingStore{blockStore: store, onWrite: onWrite}
}

func (s *RecordingStore) Store(r io.Reader) (string, error) {
	address, err := s.blockStore.Store(r)
	if err == nil {
		s.onWrite(address)
	}
	return address, err
}

func (s *RecordingStore) StoreAt(address string, r io.Reader) (bool, error) {
	ok, err := s.blockStore.StoreAt(address, r)
	if err == nil && ok {
		s.onWrite(address)
	}
	return ok, err
}

var _ block.Store = (*RecordingStore)(nil)
