package gatt

import (
	"sync"
)

// DefaultSubscriptionBuffer is the ring capacity used when Subscribe is given a non-positive size.
const DefaultSubscriptionBuffer = 64

// Subscription is one consumer attached to an EventBus.
type Subscription struct {
	ring *RingChannel[Event]
	bus  *EventBus
}

// Events returns the channel events are delivered on. It is closed on Unsubscribe or bus Close.
func (s *Subscription) Events() <-chan Event {
	return s.ring.C()
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.ring.Dropped()
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// EventBus fans events out to subscribers. Emit never blocks: a slow
// subscriber loses its oldest DataAvailable events instead of stalling the
// producer. Lifecycle events are not evicted while a data event can go instead.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*Subscription]struct{})}
}

// Subscribe attaches a consumer with a ring of the given capacity.
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription{ring: NewRingChannelKeeping(buffer, isLifecycle), bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.ring.Close()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Emit delivers e to every subscriber.
func (b *EventBus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.ring.Send(e)
	}
}

// Close detaches and closes every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.ring.Close()
		delete(b.subs, s)
	}
}

func isLifecycle(e Event) bool {
	return e.Action != ActionDataAvailable
}

func (b *EventBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	s.ring.Close()
}
