package peerpool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ErrBlockMissing is returned by Link.Fetch when the peer does not hold
// the requested block.
var ErrBlockMissing = errors.New("peer does not have block")

// ErrLinkClosed is returned for requests on a torn-down link.
var ErrLinkClosed = errors.New("peer link closed")

// Frame types of the block request protocol.
const (
	frameWant  = "want"
	frameBlock = "block"
	frameMiss  = "miss"
)

// frame is one message of the block request protocol. Both directions of a
// link carry interleaved requests and responses, matched by hash.
type frame struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
	Data []byte `json:"data,omitempty"`
}

// ServeFunc answers a peer's block request from local storage. It returns
// the stored bytes and whether they were found.
type ServeFunc func(hash string) ([]byte, bool)

// Link is an established data link to one peer, carrying the want/block
// protocol in both directions. Requests for different hashes may be in
// flight concurrently; responses are matched by hash.
type Link struct {
	peer  string
	conn  net.Conn
	serve ServeFunc
	log   *slog.Logger

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string][]chan fetchResult

	closed    chan struct{}
	closeOnce sync.Once
}

type fetchResult struct {
	data []byte
	err  error
}

// NewLink starts the protocol on an established connection. serve answers
// the remote side's requests.
func NewLink(peer string, conn net.Conn, serve ServeFunc, log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	l := &Link{
		peer:    peer,
		conn:    conn,
		serve:   serve,
		log:     log,
		enc:     json.NewEncoder(conn),
		pending: make(map[string][]chan fetchResult),
		closed:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Peer returns the remote identity.
func (l *Link) Peer() string {
	return l.peer
}

// Done returns a channel closed when the link is torn down.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// Fetch requests the block with the given hash from the peer. It returns
// ErrBlockMissing when the peer answers that it does not hold the block.
// The caller verifies the returned bytes against the hash.
func (l *Link) Fetch(ctx context.Context, hash string) ([]byte, error) {
	ch := make(chan fetchResult, 1)

	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return nil, ErrLinkClosed
	default:
	}
	waiters := l.pending[hash]
	l.pending[hash] = append(waiters, ch)
	first := len(waiters) == 0
	l.mu.Unlock()

	// Only the first waiter for a hash sends the want frame; later ones
	// share its response.
	if first {
		if err := l.send(frame{Type: frameWant, Hash: hash}); err != nil {
			l.fail(ErrLinkClosed)
			return nil, ErrLinkClosed
		}
	}

	select {
	case result := <-ch:
		return result.data, result.err
	case <-ctx.Done():
		l.drop(hash, ch)
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
}

// Close tears down the link and fails all pending requests.
func (l *Link) Close() error {
	l.fail(ErrLinkClosed)
	return nil
}

func (l *Link) send(f frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.enc.Encode(f)
}

func (l *Link) readLoop() {
	dec := json.NewDecoder(l.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			l.fail(ErrLinkClosed)
			return
		}
		switch f.Type {
		case frameWant:
			response := frame{Type: frameMiss, Hash: f.Hash}
			if data, ok := l.serve(f.Hash); ok {
				response = frame{Type: frameBlock, Hash: f.Hash, Data: data}
			}
			if err := l.send(response); err != nil {
				l.fail(ErrLinkClosed)
				return
			}
		case frameBlock:
			l.settle(f.Hash, fetchResult{data: f.Data})
		case frameMiss:
			l.settle(f.Hash, fetchResult{err: ErrBlockMissing})
		default:
			l.log.Warn("dropping unknown frame", "peer", l.peer, "type", f.Type)
		}
	}
}

// settle delivers a response to every waiter for the hash.
func (l *Link) settle(hash string, result fetchResult) {
	l.mu.Lock()
	waiters := l.pending[hash]
	delete(l.pending, hash)
	l.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
	}
}

// drop removes one abandoned waiter without disturbing the others.
func (l *Link) drop(hash string, ch chan fetchResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	waiters := l.pending[hash]
	for i, waiter := range waiters {
		if waiter == ch {
			l.pending[hash] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(l.pending[hash]) == 0 {
		delete(l.pending, hash)
	}
}

// fail closes the link and fails every pending request with err.
func (l *Link) fail(err error) {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()

		l.mu.Lock()
		pending := l.pending
		l.pending = make(map[string][]chan fetchResult)
		l.mu.Unlock()

		for _, waiters := range pending {
			for _, ch := range waiters {
				ch <- fetchResult{err: err}
			}
		}
	})
}
