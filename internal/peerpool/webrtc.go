package peerpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// channelOpenTimeout bounds the wait for a negotiated data channel to open.
const channelOpenTimeout = 10 * time.Second

// WebRTCTransport establishes data channels to peers. Each peer gets one
// PeerConnection carrying potentially many data channels; each Dial opens
// a fresh channel on the existing PeerConnection, creating and signaling
// one if needed.
//
// Signaling runs over the relay via the Signaler. Vanilla ICE: candidates
// are gathered in full before the SDP is published, so establishment takes
// exactly one signaling round-trip.
type WebRTCTransport struct {
	signaler Signaler
	self     string
	ice      []webrtc.ICEServer
	log      *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerState

	inbound chan Inbound

	closed    chan struct{}
	closeOnce sync.Once

	stopSignaling func()

	channelCounter atomic.Uint64
}

// peerState tracks the PeerConnection to one remote peer. Protected by
// WebRTCTransport.mu.
type peerState struct {
	connection  *webrtc.PeerConnection
	peer        string
	established chan struct{}
	answers     chan string
}

// NewWebRTCTransport creates a transport for the identity self. Start must
// be called before dialing.
func NewWebRTCTransport(signaler Signaler, self string, ice []webrtc.ICEServer, log *slog.Logger) *WebRTCTransport {
	if log == nil {
		log = slog.Default()
	}
	return &WebRTCTransport{
		signaler: signaler,
		self:     self,
		ice:      ice,
		log:      log,
		peers:    make(map[string]*peerState),
		inbound:  make(chan Inbound, 16),
		closed:   make(chan struct{}),
	}
}

// Start subscribes to inbound signaling. It returns once the subscriptions
// are live.
func (wt *WebRTCTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	offers, cancelOffers, err := wt.signaler.Offers(ctx)
	if err != nil {
		cancel()
		return err
	}
	answers, cancelAnswers, err := wt.signaler.Answers(ctx)
	if err != nil {
		cancelOffers()
		cancel()
		return err
	}
	wt.stopSignaling = func() {
		cancelOffers()
		cancelAnswers()
		cancel()
	}

	go wt.consumeOffers(ctx, offers)
	go wt.consumeAnswers(answers)
	return nil
}

// Accept returns the channel of links opened by remote peers.
func (wt *WebRTCTransport) Accept() <-chan Inbound {
	return wt.inbound
}

// Close shuts down every PeerConnection and stops signaling.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
		if wt.stopSignaling != nil {
			wt.stopSignaling()
		}
	})

	wt.mu.Lock()
	defer wt.mu.Unlock()
	for peer, state := range wt.peers {
		state.connection.Close()
		delete(wt.peers, peer)
	}
	return nil
}

// Disconnect tears down the PeerConnection to one peer, if any.
func (wt *WebRTCTransport) Disconnect(peer string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	if state, ok := wt.peers[peer]; ok {
		state.connection.Close()
		delete(wt.peers, peer)
	}
}

// Dial opens a data channel to the peer, negotiating a PeerConnection if
// none exists. The context bounds the whole attempt.
func (wt *WebRTCTransport) Dial(ctx context.Context, peer string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	state, err := wt.getOrCreatePeer(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", peer, err)
	}

	select {
	case <-state.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(state)
}

// getOrCreatePeer returns the live peerState for the peer, creating and
// signaling a new PeerConnection when necessary. Concurrent dials to the
// same peer share one establishment attempt by finding the map entry and
// waiting on its established channel.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, peer string) (*peerState, error) {
	wt.mu.Lock()

	if state, ok := wt.peers[peer]; ok {
		iceState := state.connection.ICEConnectionState()
		if iceState != webrtc.ICEConnectionStateFailed &&
			iceState != webrtc.ICEConnectionStateClosed {
			wt.mu.Unlock()
			return state, nil
		}
		state.connection.Close()
		delete(wt.peers, peer)
	}

	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	state := &peerState{
		connection:  pc,
		peer:        peer,
		established: make(chan struct{}),
		answers:     make(chan string, 1),
	}
	wt.peers[peer] = state
	wt.mu.Unlock()

	// Signaling happens outside the lock. On failure the entry is removed
	// so the next dial retries.
	if err := wt.establishOutbound(ctx, state); err != nil {
		wt.mu.Lock()
		if current, ok := wt.peers[peer]; ok && current == state {
			delete(wt.peers, peer)
		}
		wt.mu.Unlock()
		pc.Close()
		return nil, err
	}
	return state, nil
}

// establishOutbound runs the offer side of signaling for a PeerConnection
// already registered in the peers map.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, state *peerState) error {
	pc := state.connection
	peer := state.peer

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer)
	})
	pc.OnICEConnectionStateChange(func(iceState webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state, iceState)
	})

	// A trigger channel so pion includes a data channel section in the
	// SDP. Neither side sends on it.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := wt.signaler.PublishOffer(ctx, peer, pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wt.log.Debug("offer published", "peer", peer)

	var answerSDP string
	select {
	case answerSDP = <-state.answers:
	case <-ctx.Done():
		return ctx.Err()
	case <-wt.closed:
		return net.ErrClosed
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	wt.log.Debug("outbound connection established", "peer", peer)
	return nil
}

func (wt *WebRTCTransport) consumeAnswers(answers <-chan Signal) {
	for signal := range answers {
		wt.mu.Lock()
		state, ok := wt.peers[signal.From]
		wt.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case state.answers <- signal.SDP:
		default:
		}
	}
}

func (wt *WebRTCTransport) consumeOffers(ctx context.Context, offers <-chan Signal) {
	for offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.From]
		wt.mu.Unlock()

		if hasExisting {
			iceState := existing.connection.ICEConnectionState()
			live := iceState != webrtc.ICEConnectionStateFailed &&
				iceState != webrtc.ICEConnectionStateClosed
			if live && wt.self < offer.From {
				// Glare: both sides dialed. The lower identity is the
				// canonical offerer, and that is us, so their offer loses.
				continue
			}
			wt.mu.Lock()
			existing.connection.Close()
			delete(wt.peers, offer.From)
			wt.mu.Unlock()
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.log.Warn("answering offer failed", "peer", offer.From, "error", err)
		}
	}
}

// answerOffer creates a PeerConnection in response to an inbound SDP offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer Signal) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	state := &peerState{
		connection:  pc,
		peer:        offer.From,
		established: make(chan struct{}),
		answers:     make(chan string, 1),
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, offer.From)
	})
	pc.OnICEConnectionStateChange(func(iceState webrtc.ICEConnectionState) {
		wt.handleICEStateChange(offer.From, state, iceState)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	if err := wt.signaler.PublishAnswer(ctx, offer.From, pc.LocalDescription().SDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.From] = state
	wt.mu.Unlock()

	wt.log.Debug("inbound connection answered", "peer", offer.From)
	return nil
}

// handleInboundDataChannel wraps a data channel opened by the remote peer
// as a net.Conn and hands it to Accept.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peer string) {
	// The init channel is a signaling trigger only. Closing it on open
	// avoids a goroutine blocked on a channel nobody writes to.
	if dc.Label() == "init" {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			wt.log.Warn("detaching inbound data channel failed", "peer", peer, "label", dc.Label(), "error", err)
			return
		}
		conn := newDataChannelConn(raw, wt.self+"/"+dc.Label(), peer+"/"+dc.Label())
		select {
		case wt.inbound <- Inbound{Peer: peer, Conn: conn}:
		case <-wt.closed:
			conn.Close()
		}
	})
}

func (wt *WebRTCTransport) handleICEStateChange(peer string, state *peerState, iceState webrtc.ICEConnectionState) {
	switch iceState {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-state.established:
		default:
			close(state.established)
		}
	case webrtc.ICEConnectionStateFailed:
		wt.log.Warn("peer connection failed, will re-establish on next dial", "peer", peer)
	case webrtc.ICEConnectionStateClosed:
		wt.mu.Lock()
		if current, ok := wt.peers[peer]; ok && current == state {
			delete(wt.peers, peer)
		}
		wt.mu.Unlock()
	}
}

// openDataChannel creates an ordered, reliable data channel on the peer's
// PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(state *peerState) (net.Conn, error) {
	label := fmt.Sprintf("blocks-%d", wt.channelCounter.Add(1))

	ordered := true
	dc, err := state.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, channelOpenTimeout)
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	raw, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}
	return newDataChannelConn(raw, wt.self+"/"+label, state.peer+"/"+label), nil
}

// newPeerConnection creates a pion PeerConnection with detachable data
// channels and loopback candidates enabled, so same-machine links work.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: wt.ice})
}

var _ Transport = (*WebRTCTransport)(nil)
