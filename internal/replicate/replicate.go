// Package replicate proactively pushes newly written blocks to
// write-capable blob endpoints, so peers with no direct P2P path to this
// node still resolve its content through the fallback.
package replicate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"canopy/internal/block"
)

// queueSize bounds the backlog of addresses awaiting push. The fallback is
// an optimization; when the queue overflows, the oldest addresses are
// dropped and peers fall back to fetching from us directly.
const queueSize = 1024

// Replicator pushes blocks from the local store to one or more
// write-capable blob endpoints in the background.
type Replicator struct {
	store   block.Store
	targets []*block.Client
	log     *slog.Logger

	mu      sync.Mutex
	queue   []string
	pending chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewReplicator creates a Replicator reading from store and pushing to the
// given endpoints.
func NewReplicator(store block.Store, targets []*block.Client, log *slog.Logger) *Replicator {
	if log == nil {
		log = slog.Default()
	}
	return &Replicator{
		store:   store,
		targets: targets,
		log:     log,
		pending: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the push worker until the context ends or Close is called.
func (r *Replicator) Start(ctx context.Context) {
	go r.worker(ctx)
}

// Close stops the worker after the current push.
func (r *Replicator) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	<-r.done
}

// Enqueue schedules the block at address for replication. It never blocks.
func (r *Replicator) Enqueue(address string) {
	if len(r.targets) == 0 {
		return
	}
	r.mu.Lock()
	if len(r.queue) >= queueSize {
		r.log.Warn("replication queue full, dropping oldest", "address", r.queue[0])
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, address)
	r.mu.Unlock()

	select {
	case r.pending <- struct{}{}:
	default:
	}
}

// Backlog returns the number of addresses awaiting push.
func (r *Replicator) Backlog() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Replicator) worker(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-r.pending:
			for {
				address, ok := r.next()
				if !ok {
					break
				}
				r.push(address)
			}
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		}
	}
}

func (r *Replicator) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	address := r.queue[0]
	r.queue = r.queue[1:]
	return address, true
}

// push uploads one block to every target that does not already hold it.
func (r *Replicator) push(address string) {
	rc, ok := r.store.Get(address)
	if !ok {
		r.log.Warn("replication skipped missing local block", "address", address)
		return
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		r.log.Warn("reading local block failed", "address", address, "error", err)
		return
	}

	for _, target := range r.targets {
		if target.Has(address) {
			continue
		}
		if _, err := target.StoreAt(address, bytes.NewReader(data)); err != nil {
			r.log.Warn("replication push failed",
				"address", address, "endpoint", target.URL(), "error", err)
		}
	}
}
