// Package queue implements the bounded FIFO queue primitive every
// Stage uses for its input queue. It is the one blocking back-pressure
// point in the Flow runtime (spec.md §5): Enqueue blocks when full,
// Dequeue blocks when empty.
package queue

import (
	"sync"

	"github.com/solaceflow/connector/internal/errkinds"
)

// DefaultCapacity is the default Stage input queue capacity (spec.md
// §3: "capacity configurable, default 100").
const DefaultCapacity = 100

// Queue is a bounded, FIFO, multi-producer/multi-consumer channel of
// items, with an explicit Close/Drain lifecycle distinct from a bare
// Go channel so that Stop() can observe "is anything left to drain"
// without racing a concurrent Close.
type Queue[T any] struct {
	ch     chan T
	mu     sync.Mutex
	closed bool
}

// New creates a Queue with the given capacity. A capacity <= 0 uses
// DefaultCapacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Enqueue blocks until there is room, the queue is closed, or done is
// signalled (typically a Stage's shutdown channel so a blocked
// producer doesn't leak past Stop()). Returns errkinds.ErrQueueClosed
// if the queue was closed before or during the send.
func (q *Queue[T]) Enqueue(item T, done <-chan struct{}) (err error) {
	// A Close that lands while the send below is pending closes q.ch,
	// which makes the send panic; report that as ErrQueueClosed.
	defer func() {
		if recover() != nil {
			err = errkinds.ErrQueueClosed
		}
	}()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errkinds.ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.ch <- item:
		return nil
	case <-done:
		return errkinds.ErrQueueClosed
	}
}

// TryEnqueue attempts a non-blocking send, used only during shutdown
// drain paths per spec.md §7 ("QueueFull ... surfaced only during
// shutdown draining").
func (q *Queue[T]) TryEnqueue(item T) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return errkinds.ErrQueueFull
	}
}

// Dequeue blocks until an item is available, the queue is closed and
// drained, or done is signalled. The second return is false once the
// queue is closed AND empty, or when done is signalled while nothing
// is buffered.
func (q *Queue[T]) Dequeue(done <-chan struct{}) (T, bool) {
	select {
	case item, ok := <-q.ch:
		return item, ok
	case <-done:
		var zero T
		select {
		case item, ok := <-q.ch:
			return item, ok
		default:
			return zero, false
		}
	}
}

// Close marks the queue closed and closes the underlying channel so
// pending Dequeue calls drain remaining items then observe ok=false.
// A second call is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Len returns the number of items currently buffered, used by
// Stage.Metrics() to report queue depth.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue's configured capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
