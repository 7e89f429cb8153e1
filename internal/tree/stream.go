package tree

import (
	"encoding/json"
	"fmt"

	"canopy/internal/chunker"
	"canopy/internal/cid"
)

// Stream writes a growing file incrementally. Chunk boundaries are
// content-defined, so chunks emitted by earlier appends are never
// re-emitted or changed by later ones: a viewer's cache of a live-growing
// file only ever gains trailing chunks.
type Stream struct {
	svc  *Service
	sp   *chunker.Splitter
	refs []ChunkRef
	size uint64
	done bool
}

// NewStream starts an empty stream in this tree.
func (s *Service) NewStream() *Stream {
	return &Stream{svc: s, sp: chunker.NewSplitter()}
}

// Append adds bytes to the stream, storing any chunks whose boundaries are
// now settled.
func (st *Stream) Append(p []byte) error {
	if st.done {
		return fmt.Errorf("append after finalize")
	}
	if err := st.sp.Append(p); err != nil {
		return err
	}
	st.size += uint64(len(p))
	return st.storeChunks(st.sp.Drain())
}

// Size returns the number of bytes appended so far.
func (st *Stream) Size() uint64 {
	return st.size
}

// Finalize flushes the trailing chunk and returns the finished file's CID.
// A file that fits one chunk is addressed directly; larger files are
// addressed through a chunk index node.
func (st *Stream) Finalize() (PutResult, error) {
	if st.done {
		return PutResult{}, fmt.Errorf("finalize after finalize")
	}
	st.done = true

	tail, err := st.sp.Finish()
	if err != nil {
		return PutResult{}, err
	}
	if err := st.storeChunks(tail); err != nil {
		return PutResult{}, err
	}

	switch len(st.refs) {
	case 0:
		// Empty file: a single empty block.
		ref, err := st.svc.storeChunk(nil)
		if err != nil {
			return PutResult{}, err
		}
		c, err := cid.FromAddress(ref.Address)
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{CID: c, Size: 0, Chunked: false}, nil
	case 1:
		c, err := cid.FromAddress(st.refs[0].Address)
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{CID: c, Size: st.size, Chunked: false}, nil
	}

	plain, err := json.Marshal(indexNode{Kind: indexKind, Chunks: st.refs})
	if err != nil {
		return PutResult{}, err
	}
	stored, err := st.svc.sealContent(plain)
	if err != nil {
		return PutResult{}, err
	}
	address, err := st.svc.storeNode(stored)
	if err != nil {
		return PutResult{}, err
	}
	c, err := cid.FromAddress(address)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{CID: c, Size: st.size, Chunked: true}, nil
}

func (st *Stream) storeChunks(chunks [][]byte) error {
	for _, chunk := range chunks {
		ref, err := st.svc.storeChunk(chunk)
		if err != nil {
			return err
		}
		st.refs = append(st.refs, ref)
	}
	return nil
}

// storeChunk seals (when the tier requires it) and stores one chunk.
func (s *Service) storeChunk(plain []byte) (ChunkRef, error) {
	stored, err := s.sealContent(plain)
	if err != nil {
		return ChunkRef{}, err
	}
	address, err := s.storeNode(stored)
	if err != nil {
		return ChunkRef{}, err
	}
	return ChunkRef{Address: address, Size: uint64(len(plain))}, nil
}
