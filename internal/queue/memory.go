package queue

import (
	"context"
	"sync"
	"time"

	"genjobs/internal/domain"
)

// Memory is an in-process Queue for tests and development. It honors the
// same visibility-timeout and max-delivery contract as the Redis and
// RabbitMQ drivers.
type Memory struct {
	opts Options

	mu      sync.Mutex
	ready   []*memoryItem
	pending map[*memoryItem]*time.Timer
	dead    []domain.Message
	wake    chan struct{}
	closed  bool
}

type memoryItem struct {
	msg   domain.Message
	count int
}

// NewMemory creates an in-memory queue with the given delivery options.
func NewMemory(opts Options) *Memory {
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 1
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	return &Memory{
		opts:    opts,
		pending: make(map[*memoryItem]*time.Timer),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Memory) Enqueue(_ context.Context, msg domain.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.ready = append(q.ready, &memoryItem{msg: msg})
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready = q.ready[1:]
			item.count++
			// The message is invisible until the timer fires; an
			// unacknowledged delivery comes back by itself.
			timer := time.AfterFunc(q.opts.VisibilityTimeout, func() {
				q.expire(item)
			})
			q.pending[item] = timer
			q.mu.Unlock()
			return &memoryDelivery{q: q, item: item}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *Memory) DeadLetters(_ context.Context, limit int) ([]domain.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]domain.Message, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

// Close stops all pending redelivery timers and wakes blocked receivers.
func (q *Memory) Close() {
	q.mu.Lock()
	q.closed = true
	for item, timer := range q.pending {
		timer.Stop()
		delete(q.pending, item)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// expire returns an invisible message to the queue after its visibility
// timeout, or parks it on the DLQ when deliveries are exhausted.
func (q *Memory) expire(item *memoryItem) {
	q.mu.Lock()
	if _, ok := q.pending[item]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.pending, item)
	if item.count >= q.opts.MaxDeliveries {
		q.dead = append(q.dead, item.msg)
	} else {
		q.ready = append(q.ready, item)
	}
	q.mu.Unlock()
	q.signal()
}

type memoryDelivery struct {
	q    *Memory
	item *memoryItem
}

func (d *memoryDelivery) Message() domain.Message { return d.item.msg }

func (d *memoryDelivery) DeliveryCount() int { return d.item.count }

func (d *memoryDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()

	if timer, ok := d.q.pending[d.item]; ok {
		timer.Stop()
		delete(d.q.pending, d.item)
	}
	return nil
}

func (d *memoryDelivery) Nack(context.Context) error {
	d.q.mu.Lock()
	timer, ok := d.q.pending[d.item]
	if ok {
		timer.Stop()
		delete(d.q.pending, d.item)
	}
	if !ok {
		d.q.mu.Unlock()
		return nil
	}
	if d.item.count >= d.q.opts.MaxDeliveries {
		d.q.dead = append(d.q.dead, d.item.msg)
	} else {
		d.q.ready = append(d.q.ready, d.item)
	}
	d.q.mu.Unlock()
	d.q.signal()
	return nil
}

var _ Queue = (*Memory)(nil)
