package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/outofforest/qa"
	"github.com/stretchr/testify/require"
)

func waitersQueued(q *fifo, n int) func() bool {
	return func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.waiters) == n
	}
}

func TestFIFOHandsOverInCallOrder(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	var q fifo
	requireT.NoError(q.acquire(ctx))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			q.release()
		}()
		requireT.Eventually(waitersQueued(&q, i+1), time.Second, time.Millisecond)
	}

	q.release()
	wg.Wait()
	requireT.Equal([]int{0, 1, 2, 3, 4}, order)
	requireT.False(q.held)
}

func TestFIFOWaiterGivesUp(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	var q fifo
	requireT.NoError(q.acquire(ctx))

	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.acquire(waitCtx)
	}()
	requireT.Eventually(waitersQueued(&q, 1), time.Second, time.Millisecond)

	cancel()
	requireT.ErrorIs(<-errCh, context.Canceled)
	requireT.True(waitersQueued(&q, 0)())

	q.release()
	requireT.NoError(q.acquire(ctx))
	q.release()
}
