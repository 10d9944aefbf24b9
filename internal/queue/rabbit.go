package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"genjobs/internal/domain"
)

const deliveryCountHeader = "x-delivery-count"

// Rabbit implements Queue on RabbitMQ. Redelivery after a visibility
// timeout is modeled with a per-queue retry queue whose message TTL is
// the visibility timeout and whose dead-letter exchange routes back to
// the main queue; exhausted messages are parked on a dead-letter queue.
type Rabbit struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options

	deliveries <-chan amqp.Delivery
}

// NewRabbit connects to RabbitMQ, declares the topology and starts a
// consumer for the main queue. Topology declaration is idempotent.
func NewRabbit(url string, opts Options) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := &Rabbit{conn: conn, ch: ch, opts: opts}
	if err := q.setupTopology(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Rabbit) exchange() string  { return "genjobs.exchange" }
func (q *Rabbit) mainQueue() string { return "genjobs.queue." + q.opts.Name }
func (q *Rabbit) retryQueue() string {
	return "genjobs.retry." + q.opts.Name
}
func (q *Rabbit) dlqName() string { return "genjobs.dlq." + q.opts.Name }

func (q *Rabbit) setupTopology() error {
	if err := q.ch.ExchangeDeclare(q.exchange(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.mainQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}
	if err := q.ch.QueueBind(q.mainQueue(), q.opts.Name, q.exchange(), false, nil); err != nil {
		return fmt.Errorf("bind main queue: %w", err)
	}
	// Retry queue: messages sit here for the visibility timeout, then
	// dead-letter back into the main queue for redelivery.
	if _, err := q.ch.QueueDeclare(q.retryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    q.exchange(),
		"x-dead-letter-routing-key": q.opts.Name,
		"x-message-ttl":             q.opts.VisibilityTimeout.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare retry queue: %w", err)
	}
	if err := q.ch.QueueBind(q.retryQueue(), "retry."+q.opts.Name, q.exchange(), false, nil); err != nil {
		return fmt.Errorf("bind retry queue: %w", err)
	}
	if _, err := q.ch.QueueDeclare(q.dlqName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := q.ch.QueueBind(q.dlqName(), "dlq."+q.opts.Name, q.exchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	return nil
}

func (q *Rabbit) Enqueue(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.ch.PublishWithContext(ctx, q.exchange(), q.opts.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (q *Rabbit) Receive(ctx context.Context) (Delivery, error) {
	if q.deliveries == nil {
		deliveries, err := q.ch.Consume(q.mainQueue(), "", false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("consume: %w", err)
		}
		q.deliveries = deliveries
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			var msg domain.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				// Poison payload, park it.
				_ = q.publishDead(ctx, d.Body, deliveryCount(d))
				_ = d.Ack(false)
				continue
			}
			return &rabbitDelivery{q: q, raw: d, msg: msg, count: deliveryCount(d)}, nil
		}
	}
}

// DeadLetters reads up to limit parked messages for inspection. All
// deliveries are collected before any are requeued: a nack puts a
// message back at the head of the queue, so interleaving Get and Nack
// would fetch the same message over and over.
func (q *Rabbit) DeadLetters(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	taken, out, err := collectDeadLetters(limit, func() (amqp.Delivery, bool, error) {
		return q.ch.Get(q.dlqName(), false)
	})
	for _, d := range taken {
		// Inspection only; put the message back.
		_ = d.Nack(false, true)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect dead letters: %w", err)
	}
	return out, nil
}

// collectDeadLetters drains up to limit deliveries. Malformed bodies
// count toward the limit so a poison payload on the queue cannot keep
// the loop running forever.
func collectDeadLetters(limit int, get func() (amqp.Delivery, bool, error)) ([]amqp.Delivery, []domain.Message, error) {
	var taken []amqp.Delivery
	out := make([]domain.Message, 0, limit)
	for len(taken) < limit {
		d, ok, err := get()
		if err != nil {
			return taken, nil, err
		}
		if !ok {
			break
		}
		taken = append(taken, d)
		var msg domain.Message
		if err := json.Unmarshal(d.Body, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return taken, out, nil
}

func (q *Rabbit) publishRetry(ctx context.Context, body []byte, count int) error {
	return q.ch.PublishWithContext(ctx, q.exchange(), "retry."+q.opts.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Headers:     amqp.Table{deliveryCountHeader: int32(count)},
	})
}

func (q *Rabbit) publishDead(ctx context.Context, body []byte, count int) error {
	return q.ch.PublishWithContext(ctx, q.exchange(), "dlq."+q.opts.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Headers:     amqp.Table{deliveryCountHeader: int32(count)},
	})
}

// Close shuts down the channel and connection.
func (q *Rabbit) Close() {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
}

func deliveryCount(d amqp.Delivery) int {
	prior := 0
	if v, ok := d.Headers[deliveryCountHeader]; ok {
		switch n := v.(type) {
		case int32:
			prior = int(n)
		case int64:
			prior = int(n)
		case int:
			prior = n
		}
	}
	return prior + 1
}

type rabbitDelivery struct {
	q     *Rabbit
	raw   amqp.Delivery
	msg   domain.Message
	count int
}

func (d *rabbitDelivery) Message() domain.Message { return d.msg }

func (d *rabbitDelivery) DeliveryCount() int { return d.count }

func (d *rabbitDelivery) Ack(context.Context) error {
	return d.raw.Ack(false)
}

func (d *rabbitDelivery) Nack(ctx context.Context) error {
	if d.count >= d.q.opts.MaxDeliveries {
		if err := d.q.publishDead(ctx, d.raw.Body, d.count); err != nil {
			return fmt.Errorf("dead-letter: %w", err)
		}
		return d.raw.Ack(false)
	}
	if err := d.q.publishRetry(ctx, d.raw.Body, d.count); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	// The original is handled; the retry copy carries the count forward.
	return d.raw.Ack(false)
}

var _ Queue = (*Rabbit)(nil)
