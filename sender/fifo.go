package sender

import (
	"context"
	"sync"
)

// fifo admits one holder at a time and hands over to waiters in the order
// they called acquire. sync.Mutex gives no such ordering.
type fifo struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (q *fifo) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-ch:
		// Handed over while giving up; pass it on.
		q.handOver()
	default:
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
	}
	return context.Cause(ctx)
}

func (q *fifo) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handOver()
}

func (q *fifo) handOver() {
	if len(q.waiters) == 0 {
		q.held = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}
