// Package chunker splits byte streams into content-defined chunks using the
// Buzhash rolling hash from boxo. Boundaries depend only on the bytes inside
// the rolling window, so two streams sharing a prefix produce identical
// leading chunks. That property is what makes appending to a growing file
// cheap: previously emitted chunks never change.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// Split reads r to EOF and returns its content-defined chunks in order.
// Empty input yields no chunks.
func Split(r io.Reader) ([][]byte, error) {
	bz := boxochunker.NewBuzhash(r)

	var chunks [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
}

// SplitBytes is Split over an in-memory buffer.
func SplitBytes(data []byte) ([][]byte, error) {
	return Split(bytes.NewReader(data))
}

// Splitter chunks a stream incrementally. Append feeds bytes, Drain returns
// the chunks whose boundaries are already settled, and Finish flushes the
// trailing partial chunk. A Splitter produces exactly the chunks Split would
// produce for the concatenation of all appended bytes.
type Splitter struct {
	pw *io.PipeWriter

	mu     sync.Mutex
	closed []([]byte)

	done chan struct{}
	err  error
}

// NewSplitter creates a Splitter ready to accept appends.
func NewSplitter() *Splitter {
	pr, pw := io.Pipe()
	s := &Splitter{
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		bz := boxochunker.NewBuzhash(pr)
		for {
			chunk, err := bz.NextBytes()
			if err == io.EOF {
				return
			}
			if err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				pr.CloseWithError(err)
				return
			}
			s.mu.Lock()
			s.closed = append(s.closed, chunk)
			s.mu.Unlock()
		}
	}()

	return s
}

// Append feeds more bytes into the stream. It returns once the chunking
// goroutine has consumed them.
func (s *Splitter) Append(p []byte) error {
	if _, err := s.pw.Write(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain returns the chunks whose boundaries are settled so far and removes
// them from the Splitter. Bytes still inside the rolling window stay buffered
// until more data arrives or Finish is called.
func (s *Splitter) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.closed
	s.closed = nil
	return out
}

// Finish signals end of stream and returns all remaining chunks, including
// the trailing partial chunk.
func (s *Splitter) Finish() ([][]byte, error) {
	s.pw.Close()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.closed
	s.closed = nil
	return out, s.err
}
