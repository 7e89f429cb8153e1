// Package broker fetches content-addressed blocks without prior knowledge
// of which source holds them: the local store first, then connected peers,
// then configured blob fallback endpoints.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"canopy/internal/block"
	"canopy/internal/peerpool"
)

// ErrContentUnavailable is returned when a hash could not be fetched from
// any source within budget. It is distinct from a path lookup miss and
// recoverable by retry.
var ErrContentUnavailable = errors.New("content unavailable")

// ErrIntegrityViolation marks fetched bytes that fail hash verification.
// Such bytes are always discarded, never returned.
var ErrIntegrityViolation = errors.New("content integrity violation")

// defaultPeerTimeout bounds the peer broadcast stage.
const defaultPeerTimeout = 5 * time.Second

// defaultBlobTimeout bounds each blob fallback endpoint individually, so a
// stalled endpoint cannot wedge the coalesced fetch.
const defaultBlobTimeout = 10 * time.Second

// opportunisticDelay staggers opportunistic peers behind trusted ones so
// trusted responses win ties.
const opportunisticDelay = 150 * time.Millisecond

// PeerProvider supplies the live peer links split by tier. The peer pool
// implements it.
type PeerProvider interface {
	LinksByTier() (trusted, opportunistic []*peerpool.Link)
}

// Option configures a Broker.
type Option func(*Broker)

// WithPeers routes fetches through the given peer links.
func WithPeers(peers PeerProvider) Option {
	return func(b *Broker) { b.peers = peers }
}

// WithBlobEndpoints adds read-capable blob fallback endpoints, tried in
// order after the peer broadcast.
func WithBlobEndpoints(clients ...*block.Client) Option {
	return func(b *Broker) { b.blobs = append(b.blobs, clients...) }
}

// WithPeerTimeout bounds the peer broadcast stage.
func WithPeerTimeout(d time.Duration) Option {
	return func(b *Broker) { b.peerTimeout = d }
}

// WithBlobTimeout bounds each blob fallback request.
func WithBlobTimeout(d time.Duration) Option {
	return func(b *Broker) { b.blobTimeout = d }
}

// WithLogger sets the broker logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// call is one in-flight fetch shared by every concurrent waiter.
type call struct {
	done chan struct{}
	data []byte
	err  error
}

// Broker resolves hashes through a fixed source chain: local store, peer
// broadcast, blob fallback. Every fetched block is hash-verified and
// written into the local store before being returned. Concurrent fetches
// of one hash coalesce into a single outstanding operation.
type Broker struct {
	store       block.Store
	peers       PeerProvider
	blobs       []*block.Client
	peerTimeout time.Duration
	blobTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

// NewBroker creates a Broker over the local store.
func NewBroker(store block.Store, opts ...Option) *Broker {
	b := &Broker{
		store:       store,
		peerTimeout: defaultPeerTimeout,
		blobTimeout: defaultBlobTimeout,
		log:         slog.Default(),
		inflight:    make(map[string]*call),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fetch returns the block with the given address. Waiters that stop early
// do not cancel the underlying operation; it completes for the benefit of
// other waiters and cache warmth.
func (b *Broker) Fetch(ctx context.Context, address string) ([]byte, error) {
	if data, ok := block.GetBytes(b.store, address); ok {
		return data, nil
	}

	b.mu.Lock()
	if c, ok := b.inflight[address]; ok {
		b.mu.Unlock()
		return b.wait(ctx, c)
	}
	c := &call{done: make(chan struct{})}
	b.inflight[address] = c
	b.mu.Unlock()

	go b.run(context.WithoutCancel(ctx), address, c)
	return b.wait(ctx, c)
}

func (b *Broker) wait(ctx context.Context, c *call) ([]byte, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broker) run(ctx context.Context, address string, c *call) {
	data, err := b.resolve(ctx, address)
	if err == nil {
		if storeErr := b.storeLocal(address, data); storeErr != nil {
			b.log.Warn("storing fetched block failed", "address", address, "error", storeErr)
		}
	}

	c.data, c.err = data, err
	b.mu.Lock()
	delete(b.inflight, address)
	b.mu.Unlock()
	close(c.done)
}

func (b *Broker) resolve(ctx context.Context, address string) ([]byte, error) {
	if data, ok := b.fromPeers(ctx, address); ok {
		return data, nil
	}
	if data, ok := b.fromBlobs(ctx, address); ok {
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrContentUnavailable, address)
}

// fromPeers broadcasts the want to every live link and races the answers.
// The first response whose bytes hash-verify wins; the rest are cancelled.
// A response that fails verification is discarded and the race continues.
func (b *Broker) fromPeers(ctx context.Context, address string) ([]byte, bool) {
	if b.peers == nil {
		return nil, false
	}
	trusted, opportunistic := b.peers.LinksByTier()
	if len(trusted)+len(opportunistic) == 0 {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, b.peerTimeout)
	defer cancel()

	type staggeredLink struct {
		link  *peerpool.Link
		delay time.Duration
	}
	links := make([]staggeredLink, 0, len(trusted)+len(opportunistic))
	for _, link := range trusted {
		links = append(links, staggeredLink{link: link})
	}
	for _, link := range opportunistic {
		delay := time.Duration(0)
		if len(trusted) > 0 {
			delay = opportunisticDelay
		}
		links = append(links, staggeredLink{link: link, delay: delay})
	}

	results := make(chan []byte, len(links))
	var pending sync.WaitGroup
	for _, sl := range links {
		pending.Add(1)
		go func(link *peerpool.Link, delay time.Duration) {
			defer pending.Done()
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			data, err := link.Fetch(ctx, address)
			if err != nil {
				return
			}
			if block.Address(data) != address {
				b.log.Warn("discarding peer response failing verification",
					"address", address, "peer", link.Peer(), "error", ErrIntegrityViolation)
				return
			}
			results <- data
		}(sl.link, sl.delay)
	}

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()

	select {
	case data := <-results:
		return data, true
	case <-done:
		// Every peer answered miss, failed verification, or timed out.
		select {
		case data := <-results:
			return data, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	}
}

// fromBlobs tries each fallback endpoint in order and returns the first
// response that hash-verifies. Each endpoint gets its own timeout so a
// stalled one only delays, never blocks, the chain.
func (b *Broker) fromBlobs(ctx context.Context, address string) ([]byte, bool) {
	for _, client := range b.blobs {
		if ctx.Err() != nil {
			return nil, false
		}
		data, ok := b.readBlob(ctx, client, address)
		if !ok {
			continue
		}
		if block.Address(data) != address {
			b.log.Warn("discarding blob response failing verification",
				"address", address, "endpoint", client.URL(), "error", ErrIntegrityViolation)
			continue
		}
		return data, true
	}
	return nil, false
}

func (b *Broker) readBlob(ctx context.Context, client *block.Client, address string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, b.blobTimeout)
	defer cancel()
	rc, ok := client.GetContext(ctx, address)
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

// storeLocal writes verified bytes into the local store. Duplicate writes
// of one hash are idempotent no-ops.
func (b *Broker) storeLocal(address string, data []byte) error {
	if b.store.Has(address) {
		return nil
	}
	ok, err := b.store.StoreAt(address, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store rejected block %s", address)
	}
	return nil
}
