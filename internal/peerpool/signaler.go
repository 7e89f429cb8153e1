package peerpool

import (
	"context"
	"encoding/json"
	"time"

	"canopy/internal/identity"
	"canopy/internal/relay"
)

// Signal is an SDP offer or answer from a peer. The relay verifies the
// sender's signature before delivery, so From is authenticated.
type Signal struct {
	From string
	SDP  string
}

// Signaler exchanges WebRTC session descriptions between identities. The
// model is vanilla ICE: every candidate is gathered before the SDP is
// published, so establishment needs one offer/answer round-trip.
type Signaler interface {
	PublishOffer(ctx context.Context, to string, sdp string) error
	PublishAnswer(ctx context.Context, to string, sdp string) error

	// Offers delivers SDP offers addressed to this identity.
	Offers(ctx context.Context) (<-chan Signal, func(), error)

	// Answers delivers SDP answers addressed to this identity.
	Answers(ctx context.Context) (<-chan Signal, func(), error)
}

// signalPayload is the relay wire form of a signaling message.
type signalPayload struct {
	SDP string `json:"sdp"`
}

// RelaySignaler carries signaling over the relay as signed events keyed by
// the recipient, so a subscription filtered to "offer:<self>" sees every
// offer directed here regardless of sender. Events are replaceable, which
// bounds relay state to one outstanding offer and answer per peer pair.
type RelaySignaler struct {
	relay relay.Relay
	self  *identity.KeyPair
}

// NewRelaySignaler creates a Signaler for the given identity over the relay.
func NewRelaySignaler(rl relay.Relay, self *identity.KeyPair) *RelaySignaler {
	return &RelaySignaler{relay: rl, self: self}
}

func offerKey(to string) string  { return "offer:" + to }
func answerKey(to string) string { return "answer:" + to }

func (s *RelaySignaler) publish(ctx context.Context, key string, sdp string) error {
	e, err := relay.Sign(s.self, relay.KindSignal, key, signalPayload{SDP: sdp}, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return s.relay.Publish(ctx, e)
}

func (s *RelaySignaler) PublishOffer(ctx context.Context, to string, sdp string) error {
	return s.publish(ctx, offerKey(to), sdp)
}

func (s *RelaySignaler) PublishAnswer(ctx context.Context, to string, sdp string) error {
	return s.publish(ctx, answerKey(to), sdp)
}

func (s *RelaySignaler) Offers(ctx context.Context) (<-chan Signal, func(), error) {
	return s.subscribe(ctx, offerKey(s.self.ID()))
}

func (s *RelaySignaler) Answers(ctx context.Context) (<-chan Signal, func(), error) {
	return s.subscribe(ctx, answerKey(s.self.ID()))
}

func (s *RelaySignaler) subscribe(ctx context.Context, key string) (<-chan Signal, func(), error) {
	events, cancel, err := s.relay.Subscribe(ctx, relay.Filter{Kind: relay.KindSignal, Key: key})
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Signal, 16)
	go func() {
		defer close(ch)
		for e := range events {
			var payload signalPayload
			if err := json.Unmarshal(e.Payload, &payload); err != nil {
				continue
			}
			select {
			case ch <- Signal{From: e.Owner, SDP: payload.SDP}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}

var _ Signaler = (*RelaySignaler)(nil)
