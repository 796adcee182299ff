package event

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmcp-dev/rmcp/pkg/types"
)

func note(i int) types.Notification {
	return types.NewNotification("notifications/message", map[string]any{"seq": i})
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(note(i)))
	}
	assert.Equal(t, 5, q.Len())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		n, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, n.Params.(map[string]any)["seq"])
	}
	assert.Zero(t, q.Len())
}

func TestQueue_PopWaits(t *testing.T) {
	q := NewQueue()

	got := make(chan types.Notification, 1)
	go func() {
		n, err := q.Pop(context.Background())
		if err == nil {
			got <- n
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(note(7))

	select {
	case n := <-got:
		assert.Equal(t, 7, n.Params.(map[string]any)["seq"])
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueue_PopContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue()
	q.Push(note(1))
	q.Close()

	assert.False(t, q.Push(note(2)))

	n, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n.Params.(map[string]any)["seq"])

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Close()
}

func TestQueue_CloseWakesConsumer(t *testing.T) {
	q := NewQueue()
	errs := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the consumer")
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers, each = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Push(types.NewNotification("notifications/message", fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]bool)
	last := make(map[int]int)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(seen) < producers*each {
		n, err := q.Pop(ctx)
		require.NoError(t, err)
		key := n.Params.(string)
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true

		var p, i int
		_, err = fmt.Sscanf(key, "%d-%d", &p, &i)
		require.NoError(t, err)
		if prev, ok := last[p]; ok {
			assert.Greater(t, i, prev, "producer %d out of order", p)
		}
		last[p] = i
	}
	wg.Wait()
	assert.Empty(t, q.Drain())
}
