package event

import (
	"context"
	"errors"
	"sync"

	"github.com/rmcp-dev/rmcp/pkg/types"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("notification queue closed")

// Queue is an unbounded multi-producer, single-consumer FIFO of outbound
// notifications. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []types.Notification
	ready  chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends n. It returns false if the queue is closed.
func (q *Queue) Push(n types.Notification) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the head without waiting.
func (q *Queue) TryPop() (types.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Notification{}, false
	}
	n := q.items[0]
	q.items[0] = types.Notification{}
	q.items = q.items[1:]
	return n, true
}

// Pop waits for the next notification. Items pushed before Close are still
// delivered; after that Pop returns ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (types.Notification, error) {
	for {
		if n, ok := q.TryPop(); ok {
			return n, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return types.Notification{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return types.Notification{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []types.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued notifications.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting pushes and wakes a waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
