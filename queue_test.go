package txkeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...QueueOption) (*TransactionQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	q := NewTransactionQueue(append([]QueueOption{WithQueueClock(clock)}, opts...)...)
	t.Cleanup(q.Close)
	return q, clock
}

// blockingOp returns an operation that parks until release is closed (or
// the queue shuts down), so tests can hold the drain goroutine in place.
func blockingOp(release <-chan struct{}) QueueOperation {
	return func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ============================================================
// Execution Tests
// ============================================================

func TestQueue_ExecutesOperations(t *testing.T) {
	q, _ := newTestQueue(t)

	var mu sync.Mutex
	ran := 0

	id, err := q.Add(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The queue was idle; a later add must wake it again.
	_, err = q.Add(func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	var mu sync.Mutex
	var got []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := q.Add(func(ctx context.Context) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestQueue_NeverRunsOperationsConcurrently(t *testing.T) {
	q, _ := newTestQueue(t)

	var mu sync.Mutex
	running, maxRunning, done := 0, 0, 0

	op := func(ctx context.Context) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		running--
		done++
		mu.Unlock()
		return nil
	}

	for i := 0; i < 5; i++ {
		_, err := q.Add(op)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done == 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "one account, one lane: operations must not overlap")
}

func TestQueue_ConcurrentAddsKeepPerCallerOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	const callers = 8

	var mu sync.Mutex
	var trace []int

	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			// Each caller submits a pair; the second must drain after the first
			// no matter how the callers interleave.
			for step := 0; step < 2; step++ {
				mark := c*10 + step
				_, err := q.Add(func(ctx context.Context) error {
					mu.Lock()
					trace = append(trace, mark)
					mu.Unlock()
					return nil
				})
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trace) == callers*2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	position := make(map[int]int, len(trace))
	for i, mark := range trace {
		position[mark] = i
	}
	require.Len(t, position, callers*2, "every operation runs exactly once")
	for c := 0; c < callers; c++ {
		assert.Less(t, position[c*10], position[c*10+1],
			"caller %d saw its second op drain before its first", c)
	}
}

// ============================================================
// Retry Tests
// ============================================================

func TestQueue_FailedItemRetriesBeforeLaterItems(t *testing.T) {
	q, clock := newTestQueue(t, WithQueueMaxAttempts(3), WithQueueBaseDelay(time.Second))

	var mu sync.Mutex
	var got []string
	failures := 2

	_, err := q.Add(func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "flaky")
		if failures > 0 {
			failures--
			return errors.New("nonce too low")
		}
		return nil
	})
	require.NoError(t, err)

	_, err = q.Add(func(ctx context.Context) error {
		mu.Lock()
		got = append(got, "steady")
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"flaky", "flaky", "flaky", "steady"}, got,
		"retries run at the front so later work cannot leapfrog the nonce")
	mu.Unlock()

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps(),
		"retry delay grows linearly with the attempt count")
}

func TestQueue_ExhaustedItemIsDropped(t *testing.T) {
	q, clock := newTestQueue(t, WithQueueMaxAttempts(2), WithQueueBaseDelay(time.Second))

	var mu sync.Mutex
	attempts := 0

	id, err := q.Add(func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("always fails")
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	_, ok := q.GetStatus(id)
	assert.False(t, ok, "a dropped item is forgotten entirely")
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps(), "no delay after the final attempt")
}

// ============================================================
// Status and Removal Tests
// ============================================================

func TestQueue_GetStatusLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)

	release := make(chan struct{})
	blockID, err := q.Add(blockingOp(release))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := q.GetStatus(blockID)
		return ok && status == QueueStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	queuedID, err := q.Add(func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	status, ok := q.GetStatus(queuedID)
	require.True(t, ok)
	assert.Equal(t, QueueStatusQueued, status, "waiting behind the running item")

	close(release)

	require.Eventually(t, func() bool {
		_, ok := q.GetStatus(queuedID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "completed items become unknown")

	_, ok = q.GetStatus("no-such-id")
	assert.False(t, ok)
}

func TestQueue_RemoveQueuedItem(t *testing.T) {
	q, _ := newTestQueue(t)

	release := make(chan struct{})
	defer close(release)

	_, err := q.Add(blockingOp(release))
	require.NoError(t, err)

	var mu sync.Mutex
	ran := false
	id, err := q.Add(func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	assert.True(t, q.Remove(id))
	_, ok := q.GetStatus(id)
	assert.False(t, ok)
	assert.False(t, q.Remove(id), "already removed")

	mu.Lock()
	assert.False(t, ran, "a removed item must never run")
	mu.Unlock()
}

func TestQueue_RemoveRunningItemRefused(t *testing.T) {
	q, _ := newTestQueue(t)

	release := make(chan struct{})
	defer close(release)

	id, err := q.Add(blockingOp(release))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := q.GetStatus(id)
		return ok && status == QueueStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, q.Remove(id), "an in-flight operation cannot be recalled")
}

func TestQueue_ClearKeepsRunningItem(t *testing.T) {
	q, _ := newTestQueue(t)

	release := make(chan struct{})
	id, err := q.Add(blockingOp(release))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := q.GetStatus(id)
		return ok && status == QueueStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	ran := false
	for i := 0; i < 3; i++ {
		_, err := q.Add(func(ctx context.Context) error {
			mu.Lock()
			ran = true
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	q.Clear()
	assert.Equal(t, 1, q.Len(), "only the running item survives a clear")

	close(release)
	require.Eventually(t, func() bool {
		return q.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.False(t, ran)
	mu.Unlock()
}

// ============================================================
// Shutdown Tests
// ============================================================

func TestQueue_AddAfterClose(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Close()

	_, err := q.Add(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Close()
	q.Close() // must not hang or panic
}

func TestQueue_CloseCancelsRunningOperation(t *testing.T) {
	q, _ := newTestQueue(t, WithQueueMaxAttempts(1))

	var mu sync.Mutex
	var seen error
	started := make(chan struct{})

	_, err := q.Add(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		mu.Lock()
		seen = ctx.Err()
		mu.Unlock()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	q.Close()

	mu.Lock()
	assert.ErrorIs(t, seen, context.Canceled, "shutdown reaches the operation through its context")
	mu.Unlock()
}
