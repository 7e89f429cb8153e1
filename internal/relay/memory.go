package relay

import (
	"context"
	"sync"
)

type subscriber struct {
	filter Filter
	ch     chan Event
}

// MemoryRelay is an in-process Relay, used by tests and as the state behind
// the HTTP relay server.
type MemoryRelay struct {
	mu      sync.RWMutex
	cells   map[string]Event
	seq     uint64
	seqs    map[string]uint64
	subs    map[*subscriber]struct{}
	updated chan struct{}
}

// NewMemoryRelay creates an empty MemoryRelay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{
		cells:   make(map[string]Event),
		seqs:    make(map[string]uint64),
		subs:    make(map[*subscriber]struct{}),
		updated: make(chan struct{}),
	}
}

// Publish stores the event if it verifies and is strictly newer than the
// event currently occupying its cell. Equal-or-older events are dropped
// without error so at-least-once delivery stays idempotent.
func (m *MemoryRelay) Publish(ctx context.Context, e Event) error {
	if !e.Verify() {
		return ErrSignatureInvalid
	}

	m.mu.Lock()
	cell := e.replaceKey()
	if current, ok := m.cells[cell]; ok && current.Timestamp >= e.Timestamp {
		m.mu.Unlock()
		return nil
	}
	m.cells[cell] = e
	m.seq++
	m.seqs[cell] = m.seq
	close(m.updated)
	m.updated = make(chan struct{})
	for sub := range m.subs {
		if sub.filter.Matches(&e) {
			select {
			case sub.ch <- e:
			default:
				// Subscriber is full, drop the event
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// Query returns the retained events matching the filter.
func (m *MemoryRelay) Query(ctx context.Context, f Filter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.cells {
		if f.Matches(&e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Subscribe delivers retained matching events, then live updates.
func (m *MemoryRelay) Subscribe(ctx context.Context, f Filter) (<-chan Event, func(), error) {
	sub := &subscriber{filter: f, ch: make(chan Event, 64)}

	m.mu.Lock()
	for _, e := range m.cells {
		if f.Matches(&e) {
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

// Since returns retained events matching the filter whose cells changed
// after the given sequence number, along with the current sequence number.
func (m *MemoryRelay) Since(f Filter, since uint64) ([]Event, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for cell, e := range m.cells {
		if m.seqs[cell] > since && f.Matches(&e) {
			out = append(out, e)
		}
	}
	return out, m.seq
}

// Updated returns a channel closed on the next accepted publish.
func (m *MemoryRelay) Updated() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}

var _ Relay = (*MemoryRelay)(nil)
