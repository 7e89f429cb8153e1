// Package peerpool_test provides tests for the peer pool manager.
package peerpool_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"canopy/internal/identity"
	"canopy/internal/peerpool"
	"canopy/internal/relay"
)

func newSigner(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return kp
}

// orderedSigners returns two identities with ids[0] < ids[1], so tests can
// rely on which side dials.
func orderedSigners(t *testing.T) (*identity.KeyPair, *identity.KeyPair) {
	t.Helper()
	a, b := newSigner(t), newSigner(t)
	if a.ID() > b.ID() {
		a, b = b, a
	}
	return a, b
}

func serveFromMap(blocks map[string][]byte) peerpool.ServeFunc {
	var mu sync.Mutex
	return func(hash string) ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		data, ok := blocks[hash]
		return data, ok
	}
}

func waitForState(t *testing.T, pool *peerpool.Pool, peer string, want peerpool.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		for _, info := range pool.Peers() {
			if info.ID == peer && info.State == want {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("peer %s never reached state %s, pool sees %v", peer, want, pool.Peers())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLinkFetch(t *testing.T) {
	c1, c2 := net.Pipe()
	blocks := map[string][]byte{"hash-1": []byte("block one")}

	server := peerpool.NewLink("server", c2, serveFromMap(blocks), nil)
	client := peerpool.NewLink("client", c1, serveFromMap(nil), nil)
	defer server.Close()
	defer client.Close()

	ctx := context.Background()

	data, err := client.Fetch(ctx, "hash-1")
	if err != nil {
		t.Fatalf("failed to fetch: %v", err)
	}
	if string(data) != "block one" {
		t.Fatalf("expected %q, got %q", "block one", data)
	}

	if _, err := client.Fetch(ctx, "absent"); err != peerpool.ErrBlockMissing {
		t.Fatalf("expected ErrBlockMissing, got %v", err)
	}
}

func TestLinkBidirectional(t *testing.T) {
	c1, c2 := net.Pipe()
	left := peerpool.NewLink("right", c1, serveFromMap(map[string][]byte{"l": []byte("from left")}), nil)
	right := peerpool.NewLink("left", c2, serveFromMap(map[string][]byte{"r": []byte("from right")}), nil)
	defer left.Close()
	defer right.Close()

	ctx := context.Background()
	data, err := left.Fetch(ctx, "r")
	if err != nil || string(data) != "from right" {
		t.Fatalf("expected %q, got %q (%v)", "from right", data, err)
	}
	data, err = right.Fetch(ctx, "l")
	if err != nil || string(data) != "from left" {
		t.Fatalf("expected %q, got %q (%v)", "from left", data, err)
	}
}

func TestLinkCloseFailsPending(t *testing.T) {
	c1, c2 := net.Pipe()
	// The far side never answers: its serve function blocks by holding the
	// pipe without a reader after the first frame.
	client := peerpool.NewLink("silent", c1, serveFromMap(nil), nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Fetch(context.Background(), "hash")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c2.Close()

	select {
	case err := <-done:
		if err != peerpool.ErrLinkClosed {
			t.Fatalf("expected ErrLinkClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending fetch never failed after close")
	}
}

func newPool(t *testing.T, self *identity.KeyPair, rl relay.Relay, hub *peerpool.MemoryHub, blocks map[string][]byte, follows []string, cfg peerpool.Config) *peerpool.Pool {
	t.Helper()
	followSet := make(map[string]struct{}, len(follows))
	for _, id := range follows {
		followSet[id] = struct{}{}
	}
	pool := peerpool.NewPool(
		self, rl, hub.Join(self.ID()), serveFromMap(blocks),
		peerpool.FollowsFunc(func(id string) bool {
			_, ok := followSet[id]
			return ok
		}),
		cfg, nil,
	)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func defaultConfig() peerpool.Config {
	return peerpool.Config{
		Trusted:       peerpool.TierConfig{Max: 4, Satisfied: 4},
		Opportunistic: peerpool.TierConfig{Max: 4, Satisfied: 4},
		HelloInterval: 100 * time.Millisecond,
		AttemptWindow: 2 * time.Second,
	}
}

func TestHelloDiscoveryConnectsPeers(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemoryRelay()
	hub := peerpool.NewMemoryHub()
	a, b := orderedSigners(t)

	poolA := newPool(t, a, rl, hub, map[string][]byte{"hash-b": nil}, []string{b.ID()}, defaultConfig())
	poolB := newPool(t, b, rl, hub, map[string][]byte{"hash": []byte("payload")}, []string{a.ID()}, defaultConfig())

	if err := poolA.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	if err := poolB.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}

	waitForState(t, poolA, b.ID(), peerpool.StateConnected)
	waitForState(t, poolB, a.ID(), peerpool.StateConnected)

	links := poolA.Links()
	if len(links) != 1 {
		t.Fatalf("expected 1 live link, got %d", len(links))
	}
	data, err := links[0].Fetch(ctx, "hash")
	if err != nil {
		t.Fatalf("failed to fetch over pool link: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", data)
	}
}

func TestClassification(t *testing.T) {
	rl := relay.NewMemoryRelay()
	hub := peerpool.NewMemoryHub()
	self := newSigner(t)
	friend := newSigner(t)
	stranger := newSigner(t)

	pool := newPool(t, self, rl, hub, nil, []string{friend.ID()}, defaultConfig())

	if tier := pool.Classify(friend.ID()); tier != peerpool.Trusted {
		t.Fatalf("expected followed peer to be trusted, got %s", tier)
	}
	if tier := pool.Classify(stranger.ID()); tier != peerpool.Opportunistic {
		t.Fatalf("expected stranger to be opportunistic, got %s", tier)
	}
}

func TestOpportunisticZeroDisablesUnsolicited(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemoryRelay()
	hub := peerpool.NewMemoryHub()
	a, b := orderedSigners(t)

	cfg := defaultConfig()
	cfg.Opportunistic = peerpool.TierConfig{Max: 0}

	// Neither follows the other, so both classify as opportunistic.
	poolA := newPool(t, a, rl, hub, nil, nil, cfg)
	poolB := newPool(t, b, rl, hub, nil, nil, cfg)

	if err := poolA.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	if err := poolB.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if links := poolA.Links(); len(links) != 0 {
		t.Fatalf("expected no links with opportunistic pool disabled, got %d", len(links))
	}
	if links := poolB.Links(); len(links) != 0 {
		t.Fatalf("expected no links with opportunistic pool disabled, got %d", len(links))
	}
}

func TestBlockTearsDownAndRefuses(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemoryRelay()
	hub := peerpool.NewMemoryHub()
	a, b := orderedSigners(t)

	poolA := newPool(t, a, rl, hub, nil, []string{b.ID()}, defaultConfig())
	poolB := newPool(t, b, rl, hub, nil, []string{a.ID()}, defaultConfig())

	if err := poolA.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	if err := poolB.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	waitForState(t, poolA, b.ID(), peerpool.StateConnected)

	poolA.Block(b.ID())
	if !poolA.Denied(b.ID()) {
		t.Fatalf("expected peer to be denied after block")
	}
	waitForState(t, poolA, b.ID(), peerpool.StateDisconnected)
	if links := poolA.Links(); len(links) != 0 {
		t.Fatalf("expected no live links after block, got %d", len(links))
	}

	// Hellos keep arriving but the denied peer must stay disconnected.
	time.Sleep(300 * time.Millisecond)
	for _, info := range poolA.Peers() {
		if info.ID == b.ID() && info.State == peerpool.StateConnected {
			t.Fatalf("denied peer reconnected")
		}
	}
}

func TestAbandonedAttemptLeavesPeerDisconnected(t *testing.T) {
	ctx := context.Background()
	rl := relay.NewMemoryRelay()
	hub := peerpool.NewMemoryHub()
	a, b := orderedSigners(t)

	poolA := newPool(t, a, rl, hub, nil, []string{b.ID()}, defaultConfig())
	if err := poolA.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}

	// b announces over the relay but never joins the hub, so the dial
	// cannot complete.
	e, err := relay.Sign(b, relay.KindHello, "", map[string]int64{"at": 1}, 1)
	if err != nil {
		t.Fatalf("failed to sign hello: %v", err)
	}
	if err := rl.Publish(ctx, e); err != nil {
		t.Fatalf("failed to publish hello: %v", err)
	}

	waitForState(t, poolA, b.ID(), peerpool.StateDisconnected)
}
