package txkeeper

import (
	"context"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/google/uuid"
)

// QueueOperation is a unit of work processed by the TransactionQueue.
// The context is the queue's lifetime; it is cancelled when the queue
// closes.
type QueueOperation func(ctx context.Context) error

type queueItem struct {
	id       string
	op       QueueOperation
	attempts int
	status   QueueStatus
}

// TransactionQueue serializes operations so that no two run concurrently,
// which keeps nonce assignment orderly for a single account. Items run in
// FIFO order; a failed item is retried at the front of the queue after a
// linearly growing delay so later submissions cannot leapfrog its nonce.
//
// Completed and exhausted items are removed entirely; their ids become
// unknown to GetStatus.
type TransactionQueue struct {
	clock       Clock
	maxAttempts int
	baseDelay   time.Duration

	mu     sync.Mutex
	items  map[string]*queueItem
	order  []string
	closed bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// QueueOption configures a TransactionQueue.
type QueueOption func(*TransactionQueue)

// WithQueueMaxAttempts sets how many times a failing item is run before
// it is dropped.
func WithQueueMaxAttempts(attempts int) QueueOption {
	return func(q *TransactionQueue) {
		if attempts > 0 {
			q.maxAttempts = attempts
		}
	}
}

// WithQueueBaseDelay sets the base retry delay; attempt n waits n times
// this long.
func WithQueueBaseDelay(delay time.Duration) QueueOption {
	return func(q *TransactionQueue) {
		if delay > 0 {
			q.baseDelay = delay
		}
	}
}

// WithQueueClock swaps the time source, for tests.
func WithQueueClock(clock Clock) QueueOption {
	return func(q *TransactionQueue) {
		q.clock = clock
	}
}

// NewTransactionQueue builds a queue and starts its drain goroutine.
// Callers must Close it to release the goroutine.
func NewTransactionQueue(opts ...QueueOption) *TransactionQueue {
	q := &TransactionQueue{
		clock:       SystemClock(),
		maxAttempts: DefaultQueueMaxAttempts,
		baseDelay:   DefaultQueueBaseDelay,
		items:       make(map[string]*queueItem),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.drain()
	return q
}

// Add appends an operation and returns its queue id. Fails with
// ErrQueueClosed once Close has been called.
func (q *TransactionQueue) Add(op QueueOperation) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	id := uuid.NewString()
	q.items[id] = &queueItem{id: id, op: op, status: QueueStatusQueued}
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.wake()
	return id, nil
}

// GetStatus reports the current status of an item. The second return is
// false for unknown ids, including items already completed or dropped.
func (q *TransactionQueue) GetStatus(id string) (QueueStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return "", false
	}
	return item.status, true
}

// Remove discards a queued item. It returns false when the id is unknown
// or the item is currently running; an in-flight operation cannot be
// recalled.
func (q *TransactionQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok || item.status == QueueStatusProcessing {
		return false
	}
	delete(q.items, id)
	return true
}

// Clear discards every waiting item. An operation already running is left
// to finish.
func (q *TransactionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.items {
		if item.status != QueueStatusProcessing {
			delete(q.items, id)
		}
	}
	q.order = q.order[:0]
}

// Len reports how many items are waiting or running.
func (q *TransactionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue, cancels any running operation's context and
// waits for the drain goroutine to exit. Subsequent Adds fail.
func (q *TransactionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *TransactionQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *TransactionQueue) drain() {
	defer close(q.done)
	for {
		item := q.next()
		if item == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.process(item)
	}
}

// next pops the front item and marks it processing, skipping ids whose
// items were removed while waiting.
func (q *TransactionQueue) next() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		item, ok := q.items[id]
		if !ok {
			continue
		}
		item.status = QueueStatusProcessing
		return item
	}
	return nil
}

func (q *TransactionQueue) process(item *queueItem) {
	item.attempts++
	err := item.op(q.ctx)
	if err == nil {
		q.forget(item.id)
		logger.WithFields(logger.Fields{
			"queue_id": item.id,
			"attempts": item.attempts,
		}).Debug("Queue operation completed")
		return
	}

	if item.attempts >= q.maxAttempts {
		q.forget(item.id)
		logger.WithFields(logger.Fields{
			"queue_id": item.id,
			"attempts": item.attempts,
			"error":    err,
		}).Warn("Queue operation failed permanently, dropping item. Ignore and continue")
		return
	}

	delay := time.Duration(item.attempts) * q.baseDelay
	logger.WithFields(logger.Fields{
		"queue_id": item.id,
		"attempt":  item.attempts,
		"delay":    delay.String(),
		"error":    err,
	}).Debug("Queue operation failed, retrying after delay")

	q.requeueFront(item)
	if err := q.clock.Sleep(q.ctx, delay); err != nil {
		return
	}
}

// requeueFront puts a failed item back at the head of the line so its
// retry runs before anything queued after it.
func (q *TransactionQueue) requeueFront(item *queueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.id]; !ok {
		// removed while it was running
		return
	}
	item.status = QueueStatusQueued
	q.order = append([]string{item.id}, q.order...)
}

func (q *TransactionQueue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, id)
}
