package gatt

import (
	"slices"
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics.
// Writers never block: when the buffer is full the oldest element is dropped.
// Readers use C() like a normal channel.
type RingChannel[T any] struct {
	// mu serializes writers; readers go through ch directly.
	mu      sync.Mutex
	ch      chan T
	keep    func(T) bool
	dropped atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	return NewRingChannelKeeping[T](capacity, nil)
}

// NewRingChannelKeeping creates a RingChannel that evicts the oldest element
// keep rejects. Elements keep accepts are dropped only when the whole buffer
// and the incoming element are kept ones, oldest first.
func NewRingChannelKeeping[T any](capacity int, keep func(T) bool) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity), keep: keep}
}

// C returns the receive side of the channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding an element if the buffer is full.
// It reports whether an element was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	select {
	case rc.ch <- v:
		return false
	default:
	}

	if rc.keep == nil {
		dropped := false
		select {
		case <-rc.ch:
			rc.dropped.Add(1)
			dropped = true
		default:
		}
		// either an element was taken above or a reader drained the buffer
		rc.ch <- v
		return dropped
	}
	return rc.evict(v)
}

// evict must be called with mu held on a buffer found full.
func (rc *RingChannel[T]) evict(v T) bool {
	pending := make([]T, 0, cap(rc.ch)+1)
drain:
	for {
		select {
		case e := <-rc.ch:
			pending = append(pending, e)
		default:
			break drain
		}
	}
	pending = append(pending, v)

	dropped := false
	if len(pending) > cap(rc.ch) {
		i := slices.IndexFunc(pending, func(e T) bool { return !rc.keep(e) })
		if i < 0 {
			i = 0
		}
		pending = slices.Delete(pending, i, i+1)
		rc.dropped.Add(1)
		dropped = true
	}
	// the buffer is empty and only readers touch it, so none of these blocks
	for _, e := range pending {
		rc.ch <- e
	}
	return dropped
}

// Dropped returns how many elements were discarded so far.
func (rc *RingChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Close closes the channel. Send must not be called afterwards.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	close(rc.ch)
}
