// Package pointer provides the root pointer resolver: a versioned cell per
// (owner, tree) kept current from signed relay assertions.
package pointer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"canopy/internal/cid"
	"canopy/internal/crypt"
	"canopy/internal/identity"
	"canopy/internal/relay"
)

// treeKeyPrefix namespaces pointer events on the relay.
const treeKeyPrefix = "tree:"

// RootState is the resolved state of one tree: its current root, the
// visibility tier it was published at, and the owner's self-sealed copy of
// the tree key for non-public trees.
type RootState struct {
	Root      cid.CID
	Vis       crypt.Visibility
	OwnerKey  []byte
	Timestamp int64
}

// pointerPayload is the relay wire form of a root assertion.
type pointerPayload struct {
	Root     string `json:"root"`
	Vis      string `json:"vis,omitempty"`
	OwnerKey string `json:"ownerKey,omitempty"`
}

type cellKey struct {
	owner string
	tree  string
}

type ownerStream struct {
	cancel func()
	refs   int
}

// Callback receives root updates. Calls for one (owner, tree) arrive in
// strictly increasing timestamp order.
type Callback func(RootState)

// subscription fences one callback so a racing initial delivery can never
// step backwards past a concurrent live update.
type subscription struct {
	mu        sync.Mutex
	last      int64
	cancelled bool
	cb        Callback
}

func (s *subscription) deliver(state RootState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || state.Timestamp <= s.last {
		return
	}
	s.last = state.Timestamp
	s.cb(state)
}

// cancel bars further deliveries. It waits for an in-progress callback, so
// once it returns the callback never fires again.
func (s *subscription) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Resolver multiplexes relay pointer subscriptions, one relay stream per
// owner regardless of how many of that owner's trees are watched, and
// fences updates by timestamp: only strictly newer assertions replace the
// cached state or reach callbacks.
type Resolver struct {
	relay relay.Relay
	log   *slog.Logger

	mu     sync.Mutex
	cache  map[cellKey]RootState
	subs   map[cellKey]map[string]*subscription
	owners map[string]*ownerStream
	issued map[cellKey]int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a Resolver over the given relay.
func NewResolver(rl relay.Relay, opts ...Option) *Resolver {
	r := &Resolver{
		relay:  rl,
		log:    slog.Default(),
		cache:  make(map[cellKey]RootState),
		subs:   make(map[cellKey]map[string]*subscription),
		owners: make(map[string]*ownerStream),
		issued: make(map[cellKey]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers cb for root updates of the owner's tree. Any cached
// state is delivered immediately; afterwards cb fires on each strictly
// newer assertion. The returned function cancels the registration, and the
// owner's relay stream is released once its last registration is gone.
func (r *Resolver) Subscribe(owner string, tree string, cb Callback) (func(), error) {
	key := cellKey{owner: owner, tree: tree}
	handle := uuid.NewString()
	sub := &subscription{cb: cb}

	r.mu.Lock()
	if err := r.retainOwnerLocked(owner); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.subs[key] == nil {
		r.subs[key] = make(map[string]*subscription)
	}
	r.subs[key][handle] = sub
	cached, hasCached := r.cache[key]
	r.mu.Unlock()

	if hasCached {
		sub.deliver(cached)
	}

	return func() {
		r.mu.Lock()
		if cbs, ok := r.subs[key]; ok {
			if _, ok := cbs[handle]; !ok {
				r.mu.Unlock()
				return
			}
			delete(cbs, handle)
			if len(cbs) == 0 {
				delete(r.subs, key)
			}
		}
		r.releaseOwnerLocked(owner)
		r.mu.Unlock()

		// A dispatch may already hold a snapshot containing this
		// subscription; bar it before returning.
		sub.cancel()
	}, nil
}

// Publish signs and emits a root assertion for the signer's tree. It
// updates the local cell synchronously and sends to the relay without
// waiting for acknowledgment; duplicates and delivery races are absorbed
// by the fencing rule. Timestamps are monotonic per (owner, tree) so two
// publishes within one millisecond cannot fence each other out.
func (r *Resolver) Publish(signer *identity.KeyPair, tree string, state RootState) (int64, error) {
	key := cellKey{owner: signer.ID(), tree: tree}
	timestamp := r.nextTimestamp(key)
	payload := pointerPayload{
		Root: state.Root.String(),
		Vis:  string(state.Vis),
	}
	if len(state.OwnerKey) > 0 {
		payload.OwnerKey = hex.EncodeToString(state.OwnerKey)
	}
	e, err := relay.Sign(signer, relay.KindPointer, treeKeyPrefix+tree, payload, timestamp)
	if err != nil {
		return 0, err
	}

	state.Timestamp = timestamp
	r.apply(key, state)

	go func() {
		if err := r.relay.Publish(context.Background(), e); err != nil {
			r.log.Warn("pointer publish failed", "tree", tree, "error", err)
		}
	}()
	return timestamp, nil
}

// nextTimestamp issues a publish timestamp for the cell: wall-clock
// milliseconds, bumped past anything this resolver has already issued or
// cached for the cell so the new assertion always wins the fence.
func (r *Resolver) nextTimestamp(key cellKey) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	timestamp := time.Now().UnixMilli()
	if last := r.issued[key]; timestamp <= last {
		timestamp = last + 1
	}
	if current, ok := r.cache[key]; ok && timestamp <= current.Timestamp {
		timestamp = current.Timestamp + 1
	}
	r.issued[key] = timestamp
	return timestamp
}

// Cached returns the resolver's current state for the owner's tree.
func (r *Resolver) Cached(owner string, tree string) (RootState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.cache[cellKey{owner: owner, tree: tree}]
	return state, ok
}

// retainOwnerLocked opens the owner's relay stream on first use.
func (r *Resolver) retainOwnerLocked(owner string) error {
	if stream, ok := r.owners[owner]; ok {
		stream.refs++
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, cancelSub, err := r.relay.Subscribe(ctx, relay.Filter{Owner: owner, Kind: relay.KindPointer})
	if err != nil {
		cancel()
		return err
	}
	r.owners[owner] = &ownerStream{
		refs: 1,
		cancel: func() {
			cancelSub()
			cancel()
		},
	}
	go r.dispatch(owner, ch)
	return nil
}

func (r *Resolver) releaseOwnerLocked(owner string) {
	stream, ok := r.owners[owner]
	if !ok {
		return
	}
	stream.refs--
	if stream.refs <= 0 {
		stream.cancel()
		delete(r.owners, owner)
	}
}

// dispatch consumes one owner's relay stream, translating pointer events
// into cell updates.
func (r *Resolver) dispatch(owner string, ch <-chan relay.Event) {
	for e := range ch {
		tree, ok := strings.CutPrefix(e.Key, treeKeyPrefix)
		if !ok || e.Owner != owner {
			continue
		}
		state, err := decodePointer(&e)
		if err != nil {
			r.log.Warn("dropping malformed pointer event", "owner", owner, "tree", tree, "error", err)
			continue
		}
		r.apply(cellKey{owner: owner, tree: tree}, state)
	}
}

func decodePointer(e *relay.Event) (RootState, error) {
	var payload pointerPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return RootState{}, err
	}
	root, err := cid.Parse(payload.Root)
	if err != nil {
		return RootState{}, err
	}
	state := RootState{
		Root:      root,
		Vis:       crypt.Visibility(payload.Vis),
		Timestamp: e.Timestamp,
	}
	if payload.OwnerKey != "" {
		ownerKey, err := hex.DecodeString(payload.OwnerKey)
		if err != nil {
			return RootState{}, err
		}
		state.OwnerKey = ownerKey
	}
	return state, nil
}

// apply installs the state if it is strictly newer than the cached one and
// notifies the cell's subscribers. Equal-or-older states are dropped.
func (r *Resolver) apply(key cellKey, state RootState) {
	r.mu.Lock()
	if current, ok := r.cache[key]; ok && current.Timestamp >= state.Timestamp {
		r.mu.Unlock()
		return
	}
	r.cache[key] = state
	targets := make([]*subscription, 0, len(r.subs[key]))
	for _, sub := range r.subs[key] {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(state)
	}
}
