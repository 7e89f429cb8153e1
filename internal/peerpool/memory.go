package peerpool

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MemoryHub connects MemoryTransports in one process, standing in for the
// WebRTC layer in tests. Dialing a peer registered on the same hub yields
// both ends of a net.Pipe.
type MemoryHub struct {
	mu    sync.Mutex
	nodes map[string]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[string]*MemoryTransport)}
}

// Join registers an identity on the hub and returns its transport.
func (h *MemoryHub) Join(id string) *MemoryTransport {
	t := &MemoryTransport{
		hub:     h,
		id:      id,
		inbound: make(chan Inbound, 16),
		closed:  make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

// MemoryTransport is an in-process Transport for tests.
type MemoryTransport struct {
	hub       *MemoryHub
	id        string
	inbound   chan Inbound
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to another transport on the same hub.
func (t *MemoryTransport) Dial(ctx context.Context, peer string) (net.Conn, error) {
	select {
	case <-t.closed:
		return nil, net.ErrClosed
	default:
	}

	t.hub.mu.Lock()
	remote, ok := t.hub.nodes[peer]
	t.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peer %s not reachable", peer)
	}

	local, far := net.Pipe()
	select {
	case remote.inbound <- Inbound{Peer: t.id, Conn: far}:
		return local, nil
	case <-remote.closed:
		local.Close()
		far.Close()
		return nil, fmt.Errorf("peer %s not reachable", peer)
	case <-ctx.Done():
		local.Close()
		far.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the channel of links opened by remote peers.
func (t *MemoryTransport) Accept() <-chan Inbound {
	return t.inbound
}

// Close removes the transport from the hub.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.hub.mu.Lock()
		delete(t.hub.nodes, t.id)
		t.hub.mu.Unlock()
	})
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
