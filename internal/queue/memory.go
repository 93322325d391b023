package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that MemoryQueue implements LeaseQueue.
var _ LeaseQueue = (*MemoryQueue)(nil)

type memoryEntry struct {
	id         string
	body       string
	deliveries int
	token      string
	visibleAt  time.Time
}

// MemoryQueue is an in-process LeaseQueue for the all-in-one process and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry
	dead    []DeadLetter
	now     func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{now: time.Now}
}

// SetClock replaces the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Ensure is a no-op.
func (q *MemoryQueue) Ensure(context.Context) error {
	return nil
}

// Send appends a visible message.
func (q *MemoryQueue) Send(ctx context.Context, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e := &memoryEntry{id: uuid.NewString(), body: body, visibleAt: q.now()}
	q.entries = append(q.entries, e)
	return e.id, nil
}

// Receive leases the oldest visible message.
func (q *MemoryQueue) Receive(ctx context.Context, lease time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			continue
		}
		e.deliveries++
		e.token = uuid.NewString()
		e.visibleAt = now.Add(lease)
		return &Message{
			ID:            e.id,
			Body:          e.body,
			DeliveryCount: e.deliveries,
			Receipt:       encodeReceipt(e.id, e.token),
		}, nil
	}
	return nil, nil
}

// ExtendLease moves the visibility deadline and rotates the receipt.
func (q *MemoryQueue) ExtendLease(ctx context.Context, receipt string, lease time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.leased(receipt)
	if err != nil {
		return "", err
	}
	e := q.entries[i]
	e.token = uuid.NewString()
	e.visibleAt = q.now().Add(lease)
	return encodeReceipt(e.id, e.token), nil
}

// Delete removes the leased message.
func (q *MemoryQueue) Delete(ctx context.Context, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.leased(receipt)
	if err != nil {
		return err
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

// DeadLetter moves the leased message to the dead-letter list.
func (q *MemoryQueue) DeadLetter(ctx context.Context, receipt, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i, err := q.leased(receipt)
	if err != nil {
		return err
	}
	e := q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.dead = append(q.dead, DeadLetter{
		ID:            e.id,
		Body:          e.body,
		DeliveryCount: e.deliveries,
		Reason:        reason,
		At:            q.now(),
	})
	return nil
}

// Len returns the number of messages still in the queue, leased or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DeadLetters returns a copy of the dead-lettered messages in order.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

// leased returns the index of the entry held by receipt. Callers hold q.mu.
func (q *MemoryQueue) leased(receipt string) (int, error) {
	messageID, token, err := decodeReceipt(receipt)
	if err != nil {
		return 0, err
	}
	for i, e := range q.entries {
		if e.id == messageID {
			if e.token != token {
				return 0, ErrLeaseLost
			}
			return i, nil
		}
	}
	return 0, ErrLeaseLost
}
