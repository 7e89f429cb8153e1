// Package relay provides the public pub/sub relay carrying signed,
// replaceable events: root pointer assertions, peer signaling, and presence
// broadcasts.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"canopy/internal/identity"
)

// ErrSignatureInvalid is returned when an event is not signed by its claimed
// owner. Such events are never stored and never delivered.
var ErrSignatureInvalid = errors.New("event signature invalid")

// Event kinds.
const (
	KindPointer = "pointer"
	KindSignal  = "signal"
	KindHello   = "hello"
)

// Event is a signed, replaceable message. The relay retains only the latest
// event per (owner, kind, key); a newer timestamp replaces an older one.
type Event struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Sig       string          `json:"sig"`
}

// signingBytes is the canonical byte sequence covered by the signature.
// Fields are length-prefixed so no two distinct events share an encoding.
func (e *Event) signingBytes() []byte {
	var buf []byte
	for _, field := range []string{e.Owner, e.Kind, e.Key, strconv.FormatInt(e.Timestamp, 10)} {
		buf = append(buf, strconv.Itoa(len(field))...)
		buf = append(buf, ':')
		buf = append(buf, field...)
	}
	buf = append(buf, e.Payload...)
	return buf
}

// Sign builds a signed event from the given key pair. The payload is
// marshaled to JSON.
func Sign(signer *identity.KeyPair, kind string, key string, payload any, timestamp int64) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		Owner:     signer.ID(),
		Kind:      kind,
		Key:       key,
		Payload:   data,
		Timestamp: timestamp,
	}
	signing := e.signingBytes()
	sum := sha256.Sum256(signing)
	e.ID = hex.EncodeToString(sum[:])
	e.Sig = hex.EncodeToString(signer.Sign(signing))
	return e, nil
}

// Verify reports whether the event is signed by its claimed owner.
func (e *Event) Verify() bool {
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return identity.Verify(e.Owner, e.signingBytes(), sig)
}

// replaceKey identifies the replaceable cell an event occupies.
func (e *Event) replaceKey() string {
	return fmt.Sprintf("%s/%s/%s", e.Owner, e.Kind, e.Key)
}

// Filter selects events by owner, kind, and key. An empty field matches any
// value, so one subscription can cover all of an owner's events.
type Filter struct {
	Owner string `json:"owner,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *Event) bool {
	if f.Owner != "" && f.Owner != e.Owner {
		return false
	}
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.Key != "" && f.Key != e.Key {
		return false
	}
	return true
}

// Relay defines the pub/sub relay surface. Delivery is at-least-once and
// unordered; consumers resolve races with timestamp fencing.
type Relay interface {
	// Publish stores the event if its signature verifies and it is newer
	// than the retained event in its cell.
	Publish(ctx context.Context, e Event) error

	// Query returns the currently retained events matching the filter.
	Query(ctx context.Context, f Filter) ([]Event, error)

	// Subscribe delivers retained matching events followed by live updates
	// until cancel is called. A slow consumer may drop intermediate events;
	// timestamp fencing makes that harmless.
	Subscribe(ctx context.Context, f Filter) (<-chan Event, func(), error)
}
