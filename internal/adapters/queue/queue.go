package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/google/uuid"
)

// Queue is a durable FIFO layered on the storage port. Items live under
// queue:<name>:pending:<seq> until claimed, move to queue:<name>:claimed:<id>
// while a worker holds them, and land in queue:<name>:deadletter:<id> after
// retry exhaustion. The sequence counter makes pending iteration FIFO.
type Queue struct {
	name    string
	storage ports.StoragePort
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	waiters []chan struct{}
}

func New(name string, storage ports.StoragePort, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		name:    name,
		storage: storage,
		logger:  logger.With("component", "queue", "queue", name),
	}
}

func (q *Queue) Enqueue(item []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueSequenceKey(q.name))
	if err != nil {
		return err
	}

	queueItem := domain.NewQueueItem(item, sequence)
	itemBytes, err := queueItem.ToBytes()
	if err != nil {
		return err
	}

	if err := q.storage.Put(domain.QueuePendingKey(q.name, sequence), itemBytes, 0); err != nil {
		return err
	}

	q.notifyWaiters()
	return nil
}

func (q *Queue) Claim() (item []byte, claimID string, exists bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, "", false, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	currentKey, value, itemExists, err := q.storage.GetNext(domain.QueuePendingPrefix(q.name))
	if err != nil {
		return nil, "", false, err
	}

	for itemExists {
		queueItem, err := domain.QueueItemFromBytes(value)
		if err != nil {
			// Corrupt entry; skip it rather than wedging the queue.
			q.logger.Warn("skipping undecodable queue item", "key", currentKey)
			currentKey, value, itemExists, err = q.storage.GetNextAfter(domain.QueuePendingPrefix(q.name), currentKey)
			if err != nil {
				return nil, "", false, err
			}
			continue
		}

		claimID = uuid.New().String()
		claimedItem := domain.NewClaimedItem(queueItem.Data, claimID, queueItem.Sequence)
		claimedBytes, err := claimedItem.ToBytes()
		if err != nil {
			return nil, "", false, err
		}

		ops := []ports.WriteOp{
			{Type: ports.OpDelete, Key: currentKey},
			{Type: ports.OpPut, Key: domain.QueueClaimedKey(q.name, claimID), Value: claimedBytes},
		}
		if err := q.storage.BatchWrite(ops); err != nil {
			return nil, "", false, err
		}

		return queueItem.Data, claimID, true, nil
	}

	return nil, "", false, nil
}

func (q *Queue) Complete(claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	return q.storage.Delete(domain.QueueClaimedKey(q.name, claimID))
}

func (q *Queue) Release(claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	key := domain.QueueClaimedKey(q.name, claimID)
	value, _, exists, err := q.storage.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return domain.NewKeyNotFoundError(key)
	}

	claimedItem, err := domain.ClaimedItemFromBytes(value)
	if err != nil {
		return err
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueSequenceKey(q.name))
	if err != nil {
		return err
	}

	queueItem := domain.NewQueueItem(claimedItem.Data, sequence)
	itemBytes, err := queueItem.ToBytes()
	if err != nil {
		return err
	}

	ops := []ports.WriteOp{
		{Type: ports.OpDelete, Key: key},
		{Type: ports.OpPut, Key: domain.QueuePendingKey(q.name, sequence), Value: itemBytes},
	}
	if err := q.storage.BatchWrite(ops); err != nil {
		return err
	}

	q.notifyWaiters()
	return nil
}

// WaitForItem returns a channel that receives when an item may be
// available. It is a hint, not a guarantee; callers re-claim and may find
// the queue drained by another worker.
func (q *Queue) WaitForItem(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(ch)
		return ch
	}
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		for i, waiter := range q.waiters {
			if waiter == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}()

	return ch
}

func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	return q.storage.CountPrefix(domain.QueuePendingPrefix(q.name))
}

func (q *Queue) SendToDeadLetter(item []byte, reason string, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueDeadLetterSequenceKey(q.name))
	if err != nil {
		return err
	}

	dlqItem := domain.NewDeadLetterQueueItem(item, reason, retryCount, sequence)
	itemBytes, err := dlqItem.ToBytes()
	if err != nil {
		return err
	}

	q.logger.Warn("sending item to dead letter queue",
		"reason", reason,
		"retry_count", retryCount,
	)
	return q.storage.Put(domain.QueueDeadLetterKey(q.name, dlqItem.ID), itemBytes, 0)
}

func (q *Queue) GetDeadLetterItems(limit int) ([]ports.DeadLetterItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	items, err := q.storage.ListByPrefix(domain.QueueDeadLetterPrefix(q.name))
	if err != nil {
		return nil, err
	}

	var dlqItems []ports.DeadLetterItem
	for i, item := range items {
		if limit > 0 && i >= limit {
			break
		}
		dlqItem, err := domain.DeadLetterQueueItemFromBytes(item.Value)
		if err != nil {
			continue
		}
		dlqItems = append(dlqItems, ports.DeadLetterItem{
			ID:         dlqItem.ID,
			Item:       dlqItem.Data,
			Reason:     dlqItem.Reason,
			Timestamp:  dlqItem.Timestamp,
			RetryCount: dlqItem.RetryCount,
		})
	}

	return dlqItems, nil
}

func (q *Queue) GetDeadLetterSize() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	return q.storage.CountPrefix(domain.QueueDeadLetterPrefix(q.name))
}

func (q *Queue) RetryFromDeadLetter(itemID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	dlqKey := domain.QueueDeadLetterKey(q.name, itemID)
	value, _, exists, err := q.storage.Get(dlqKey)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if !exists {
		q.mu.Unlock()
		return &domain.StorageError{Type: domain.ErrKeyNotFound, Key: dlqKey, Message: "dead letter item not found"}
	}

	dlqItem, err := domain.DeadLetterQueueItemFromBytes(value)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	if err := q.Enqueue(dlqItem.Data); err != nil {
		return err
	}
	return q.storage.Delete(dlqKey)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, waiter := range q.waiters {
		close(waiter)
	}
	q.waiters = nil
	return nil
}

func (q *Queue) notifyWaiters() {
	for _, waiter := range q.waiters {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}
