package apprunner

import (
	"context"
	"sync"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

// Queue is an unbounded, single-producer/single-consumer FIFO of
// messages delivered to an application. There is one Queue per
// connection; it is created when the scope is built and garbage
// collected with the connection record once the application drains it.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []gwtypes.Message
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends a message. Safe to call after Close; the message is
// silently dropped (a disconnected connection's protocol layer may still
// be unwinding a final enqueue race).
func (q *Queue) Put(m gwtypes.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, m)
	q.cond.Signal()
}

// Get blocks until a message is available, ctx is cancelled, or the
// queue is closed with nothing left to deliver.
func (q *Queue) Get(ctx context.Context) (gwtypes.Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(q.items) == 0 {
		return nil, errQueueClosed
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, nil
}

// Close marks the queue closed; pending Get calls with no remaining
// items return errQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of buffered, undelivered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
