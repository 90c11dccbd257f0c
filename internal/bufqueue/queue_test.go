package bufqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](4)
	for i := range 10 {
		q.Push(i)
	}
	assert.Equal(t, 10, q.Len())

	for i := range 10 {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New[string](1)
	got := make(chan string, 1)

	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("buf")
	select {
	case v := <-got:
		assert.Equal(t, "buf", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestQueue_PopContextCancel(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	const producers, perProducer = 4, 250
	q := New[int](8)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.Push(p*perProducer + i)
			}
		}()
	}

	seen := make([]bool, producers*perProducer)
	var mu sync.Mutex
	var consumers sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for range 3 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				v, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				done := allSeen(seen)
				mu.Unlock()
				if done {
					cancel()
					return
				}
			}
		}()
	}

	wg.Wait()
	consumers.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, allSeen(seen), "every pushed item must be popped")
}

func allSeen(seen []bool) bool {
	for _, s := range seen {
		if !s {
			return false
		}
	}
	return true
}

func TestQueue_ReadyAfterPush(t *testing.T) {
	q := New[int](1)

	select {
	case <-q.Ready():
		t.Fatal("empty queue signalled ready")
	default:
	}

	q.Push(1)
	q.Push(2)
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("push did not signal ready")
	}

	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Items remain, so the wake-up is re-armed.
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("remaining item not signalled")
	}
}
