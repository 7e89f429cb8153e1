// Package peerpool manages the node's peer links: tier classification from
// the follows graph, WebRTC data channels negotiated over relay signaling,
// presence broadcasts, and the per-link block request protocol used to
// fetch content from peers.
package peerpool

import (
	"context"
	"net"
)

// Inbound is a link opened by a remote peer.
type Inbound struct {
	Peer string
	Conn net.Conn
}

// Transport establishes data links to peers by identity. The production
// implementation negotiates WebRTC data channels; tests use an in-process
// transport.
type Transport interface {
	// Dial opens a link to the peer, negotiating a connection if none
	// exists. The context bounds the whole attempt.
	Dial(ctx context.Context, peer string) (net.Conn, error)

	// Accept returns the channel of links opened by remote peers.
	Accept() <-chan Inbound

	// Close tears down all links and stops signaling.
	Close() error
}
