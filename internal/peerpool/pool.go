package peerpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"canopy/internal/identity"
	"canopy/internal/relay"
)

// Tier classifies a peer by social-graph proximity.
type Tier string

const (
	Trusted       Tier = "trusted"
	Opportunistic Tier = "opportunistic"
)

// State of a peer link.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// FollowsProvider supplies the follows relation driving tier
// classification. It is owned by the consumer; the pool only reads it.
type FollowsProvider interface {
	Follows(id string) bool
}

// FollowsFunc adapts a function to the FollowsProvider interface.
type FollowsFunc func(id string) bool

func (f FollowsFunc) Follows(id string) bool { return f(id) }

// TierConfig bounds one tier of the pool. Connection attempts stop early
// once Satisfied links are live; Max caps the tier outright. An
// Opportunistic Max of zero disables unsolicited links entirely.
type TierConfig struct {
	Max       int
	Satisfied int
}

// Config configures a Pool.
type Config struct {
	Trusted       TierConfig
	Opportunistic TierConfig

	// HelloInterval paces presence re-announcements.
	HelloInterval time.Duration

	// AttemptWindow bounds one connection attempt. An attempt that has
	// not completed inside the window is abandoned and the peer left
	// disconnected until a future hello.
	AttemptWindow time.Duration
}

const (
	defaultHelloInterval = 30 * time.Second
	defaultAttemptWindow = 20 * time.Second
)

// helloPayload is the relay wire form of a presence broadcast.
type helloPayload struct {
	At int64 `json:"at"`
}

// PeerInfo describes one peer the pool knows about.
type PeerInfo struct {
	ID    string
	Tier  Tier
	State State
}

type peerEntry struct {
	id    string
	tier  Tier
	state State
	link  *Link
}

// Pool is the peer pool manager. It discovers peers from hello broadcasts
// on the relay, classifies them against the follows graph, keeps each tier
// within its configured bounds, and owns the connection table: only the
// pool mutates it, everything else reads through Peers and Links.
type Pool struct {
	self      *identity.KeyPair
	relay     relay.Relay
	transport Transport
	serve     ServeFunc
	follows   FollowsProvider
	cfg       Config
	log       *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerEntry
	deny  map[string]struct{}

	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPool creates a Pool. serve answers peers' block requests from local
// storage.
func NewPool(self *identity.KeyPair, rl relay.Relay, transport Transport, serve ServeFunc, follows FollowsProvider, cfg Config, log *slog.Logger) *Pool {
	if cfg.HelloInterval <= 0 {
		cfg.HelloInterval = defaultHelloInterval
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = defaultAttemptWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		self:      self,
		relay:     rl,
		transport: transport,
		serve:     serve,
		follows:   follows,
		cfg:       cfg,
		log:       log,
		peers:     make(map[string]*peerEntry),
		deny:      make(map[string]struct{}),
	}
}

// Start announces presence, subscribes to hello broadcasts, and begins
// accepting inbound links.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.closed = make(chan struct{})

	hellos, cancelHellos, err := p.relay.Subscribe(ctx, relay.Filter{Kind: relay.KindHello})
	if err != nil {
		cancel()
		return err
	}

	go p.helloLoop(ctx, cancelHellos)
	go p.consumeHellos(ctx, hellos)
	go p.acceptLoop(ctx)
	return nil
}

// Close tears down every link and stops the pool.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.closed != nil {
			close(p.closed)
		}

		p.mu.Lock()
		for _, entry := range p.peers {
			if entry.link != nil {
				entry.link.Close()
			}
		}
		p.mu.Unlock()
	})
	return p.transport.Close()
}

// Classify returns the peer's tier from the follows graph. Deny-listed
// peers report Opportunistic with no connection eligibility; callers that
// need the distinction use Denied.
func (p *Pool) Classify(id string) Tier {
	if p.follows != nil && p.follows.Follows(id) {
		return Trusted
	}
	return Opportunistic
}

// Denied reports whether the peer is on the deny-list.
func (p *Pool) Denied(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.deny[id]
	return ok
}

// Block tears down any live link to the peer and adds it to the
// deny-list, refusing future links in either direction.
func (p *Pool) Block(id string) {
	p.mu.Lock()
	p.deny[id] = struct{}{}
	entry, ok := p.peers[id]
	var link *Link
	if ok {
		link = entry.link
		entry.link = nil
		entry.state = StateDisconnected
	}
	p.mu.Unlock()

	if link != nil {
		link.Close()
	}
	if d, ok := p.transport.(interface{ Disconnect(string) }); ok {
		d.Disconnect(id)
	}
	p.log.Info("peer blocked", "peer", id)
}

// Unblock removes the peer from the deny-list. A future hello makes it
// eligible for connection again.
func (p *Pool) Unblock(id string) {
	p.mu.Lock()
	delete(p.deny, id)
	p.mu.Unlock()
}

// Connect attempts a link to the peer, subject to classification,
// deny-list, and tier bounds.
func (p *Pool) Connect(id string) {
	p.maybeConnect(id)
}

// Peers returns the pool's view of every known peer.
func (p *Pool) Peers() []PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PeerInfo, 0, len(p.peers))
	for _, entry := range p.peers {
		out = append(out, PeerInfo{ID: entry.id, Tier: entry.tier, State: entry.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links returns the live links, trusted tier first.
func (p *Pool) Links() []*Link {
	trusted, opportunistic := p.LinksByTier()
	return append(trusted, opportunistic...)
}

// LinksByTier returns the live links split by tier, for callers that give
// trusted peers priority.
func (p *Pool) LinksByTier() (trusted, opportunistic []*Link) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.peers {
		if entry.state != StateConnected || entry.link == nil {
			continue
		}
		if entry.tier == Trusted {
			trusted = append(trusted, entry.link)
		} else {
			opportunistic = append(opportunistic, entry.link)
		}
	}
	return trusted, opportunistic
}

// helloLoop announces presence immediately and then on every tick.
func (p *Pool) helloLoop(ctx context.Context, cancelHellos func()) {
	defer cancelHellos()

	p.announce(ctx)
	ticker := time.NewTicker(p.cfg.HelloInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.announce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) announce(ctx context.Context) {
	e, err := relay.Sign(p.self, relay.KindHello, "", helloPayload{At: time.Now().UnixMilli()}, time.Now().UnixMilli())
	if err != nil {
		p.log.Warn("building hello failed", "error", err)
		return
	}
	if err := p.relay.Publish(ctx, e); err != nil {
		p.log.Warn("hello publish failed", "error", err)
	}
}

func (p *Pool) consumeHellos(ctx context.Context, hellos <-chan relay.Event) {
	for {
		select {
		case e, ok := <-hellos:
			if !ok {
				return
			}
			if e.Owner == p.self.ID() {
				continue
			}
			p.maybeConnect(e.Owner)
		case <-ctx.Done():
			return
		}
	}
}

// maybeConnect starts a connection attempt if the peer is eligible: not
// denied, not already live or connecting, the glare rule makes this side
// the dialer, and the peer's tier has capacity.
func (p *Pool) maybeConnect(id string) {
	// Only the lower identity dials, so two peers discovering each other
	// simultaneously produce one link, not two.
	if p.self.ID() >= id {
		return
	}

	tier := p.Classify(id)

	p.mu.Lock()
	if _, denied := p.deny[id]; denied {
		p.mu.Unlock()
		return
	}
	entry, known := p.peers[id]
	if known && entry.state != StateDisconnected {
		p.mu.Unlock()
		return
	}
	if !p.tierHasCapacityLocked(tier) {
		p.mu.Unlock()
		return
	}
	if !known {
		entry = &peerEntry{id: id}
		p.peers[id] = entry
	}
	entry.tier = tier
	entry.state = StateConnecting
	p.mu.Unlock()

	go p.attempt(entry)
}

// tierHasCapacityLocked applies the {Max, Satisfied} bounds.
func (p *Pool) tierHasCapacityLocked(tier Tier) bool {
	cfg := p.cfg.Trusted
	if tier == Opportunistic {
		cfg = p.cfg.Opportunistic
	}
	if cfg.Max <= 0 {
		return false
	}

	active, connected := 0, 0
	for _, entry := range p.peers {
		if entry.tier != tier {
			continue
		}
		switch entry.state {
		case StateConnected:
			active++
			connected++
		case StateConnecting:
			active++
		}
	}
	if active >= cfg.Max {
		return false
	}
	if cfg.Satisfied > 0 && connected >= cfg.Satisfied {
		return false
	}
	return true
}

// attempt runs one bounded connection attempt.
func (p *Pool) attempt(entry *peerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AttemptWindow)
	defer cancel()

	conn, err := p.transport.Dial(ctx, entry.id)
	if err != nil {
		p.log.Debug("connection attempt abandoned", "peer", entry.id, "error", err)
		p.mu.Lock()
		entry.state = StateDisconnected
		p.mu.Unlock()
		return
	}

	link := NewLink(entry.id, conn, p.serve, p.log)
	p.install(entry.id, entry.tier, link)
}

// acceptLoop admits links opened by remote peers.
func (p *Pool) acceptLoop(ctx context.Context) {
	for {
		select {
		case in, ok := <-p.transport.Accept():
			if !ok {
				return
			}
			p.admit(in)
		case <-ctx.Done():
			return
		}
	}
}

// admit applies deny-list and tier policy to an inbound link.
func (p *Pool) admit(in Inbound) {
	tier := p.Classify(in.Peer)

	p.mu.Lock()
	_, denied := p.deny[in.Peer]
	hasCapacity := p.tierHasCapacityLocked(tier)
	entry, known := p.peers[in.Peer]
	alreadyLive := known && entry.state == StateConnected
	p.mu.Unlock()

	if denied || alreadyLive || !hasCapacity {
		in.Conn.Close()
		if denied {
			p.log.Info("refused link from denied peer", "peer", in.Peer)
		}
		return
	}

	link := NewLink(in.Peer, in.Conn, p.serve, p.log)
	p.install(in.Peer, tier, link)
}

// install records a live link and watches for its teardown.
func (p *Pool) install(id string, tier Tier, link *Link) {
	p.mu.Lock()
	entry, ok := p.peers[id]
	if !ok {
		entry = &peerEntry{id: id}
		p.peers[id] = entry
	}
	if entry.link != nil {
		entry.link.Close()
	}
	entry.tier = tier
	entry.state = StateConnected
	entry.link = link
	p.mu.Unlock()

	p.log.Info("peer connected", "peer", id, "tier", tier)

	go func() {
		<-link.Done()
		p.mu.Lock()
		if entry.link == link {
			entry.link = nil
			entry.state = StateDisconnected
		}
		p.mu.Unlock()
		p.log.Info("peer disconnected", "peer", id)
	}()
}
