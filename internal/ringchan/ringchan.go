package ringchan

import (
	"context"
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. BLE notification callbacks run on the stack's dispatch goroutine
// and must never stall, so they post fragments through a RingChannel and the
// consumer picks them up in arrival order.
//
// Sending after Close is a counted no-op instead of a panic; a late
// notification for an already resolved exchange is simply dropped.
//
//	rc := ringchan.New[[]byte](16)
//	rc.Send(fragment)                  // never blocks
//	v, err := rc.ReceiveContext(ctx)   // blocks until data, close or ctx done
type RingChannel[T any] struct {
	mu      sync.Mutex // serializes producers against Close
	ch      chan T
	closed  atomic.Bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// Send inserts an item, discarding the oldest one if the buffer is full.
// Returns false if the channel is already closed.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed.Load() {
		rc.metrics.addError()
		return false
	}

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
	}

	select {
	case <-rc.ch:
		rc.metrics.addOverwritten(1)
	default:
	}
	rc.ch <- v
	rc.metrics.addWritten(1)
	return true
}

// ReceiveContext blocks until a value is available, the channel is closed, or
// ctx is done. A closed and drained channel yields ErrClosed.
func (rc *RingChannel[T]) ReceiveContext(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-rc.ch:
		if !ok {
			return zero, ErrClosed
		}
		rc.metrics.addProcessed(1)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close closes the underlying channel. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}

// GetMetrics returns a snapshot of the counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Errors:      atomic.LoadInt64(&rc.metrics.Errors),
	}
}

// Metrics holds lock-free RingChannel counters. Errors counts sends rejected
// because the channel was closed.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
	Errors      int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addError() {
	atomic.AddInt64(&m.Errors, 1)
}
