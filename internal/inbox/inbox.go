// Package inbox is a typed drop-on-full mailbox. It decouples hot paths
// from slow consumers: senders never block, and overflow is counted
// instead of propagated.
package inbox

import (
	"log/slog"
	"sync/atomic"
)

// Inbox carries messages of type T from many producers to one consumer.
type Inbox[T any] struct {
	ch     chan T
	logger *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64
}

// Stats is a point-in-time view of mailbox traffic.
type Stats struct {
	Sent     int64
	Received int64
	Dropped  int64
	Depth    int
	MaxDepth int
}

// New creates a mailbox holding at most capacity messages.
func New[T any](capacity int, logger *slog.Logger) *Inbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:     make(chan T, capacity),
		logger: logger,
	}
}

// Offer enqueues msg without blocking. A full mailbox drops the message
// and returns false.
func (ib *Inbox[T]) Offer(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.noteDepth(int64(len(ib.ch)))
		return true
	default:
		if ib.dropped.Add(1) == 1 {
			// Log the first drop only; a saturated mailbox would
			// otherwise flood the log.
			ib.logger.Warn("inbox full, dropping messages", "capacity", cap(ib.ch))
		}
		return false
	}
}

func (ib *Inbox[T]) noteDepth(depth int64) {
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// Chan exposes the receive side for use in select loops. Callers must pair
// each receive with MarkReceived to keep Stats accurate, or use TryReceive.
func (ib *Inbox[T]) Chan() <-chan T {
	return ib.ch
}

// MarkReceived counts one message taken directly off Chan.
func (ib *Inbox[T]) MarkReceived() {
	ib.received.Add(1)
}

// TryReceive takes one message without blocking.
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if !ok {
			var zero T
			return zero, false
		}
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Len reports the number of queued messages.
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Stats returns a snapshot of mailbox counters.
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		Sent:     ib.sent.Load(),
		Received: ib.received.Load(),
		Dropped:  ib.dropped.Load(),
		Depth:    len(ib.ch),
		MaxDepth: int(ib.maxDepth.Load()),
	}
}

// Close closes the mailbox. Offer must not be called afterwards.
func (ib *Inbox[T]) Close() {
	close(ib.ch)
}
