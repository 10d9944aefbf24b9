package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"

	"genjobs/internal/domain"
)

// Redis implements Queue on a Redis client. Layout per queue name:
//
//	ready:<name>      list of message IDs awaiting delivery
//	claimed:<name>    list of IDs in transit between pop and deadline registration
//	claimwatch:<name> ZSET of first sightings of claimed IDs, used to recover crashes
//	pending:<name>    ZSET of invisible IDs scored by visibility deadline
//	msg:<name>:<id>   hash holding the message body and delivery count
//	dlq:<name>        list of dead-lettered message bodies
//
// Redelivery of timed-out messages is driven by Reap, which the sweep
// loop runs periodically.
type Redis struct {
	rdb  *r.Client
	opts Options
}

// NewRedis creates a Redis-backed queue.
func NewRedis(rdb *r.Client, opts Options) *Redis {
	return &Redis{rdb: rdb, opts: opts}
}

func (q *Redis) key(parts ...string) string {
	out := "genjobs"
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (q *Redis) Enqueue(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	id := uuid.NewString()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("msg", q.opts.Name, id), "body", body, "count", 0)
	pipe.LPush(ctx, q.key("ready", q.opts.Name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *Redis) Receive(ctx context.Context) (Delivery, error) {
	ready := q.key("ready", q.opts.Name)
	claimed := q.key("claimed", q.opts.Name)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := q.rdb.BLMove(ctx, ready, claimed, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, r.Nil) {
				continue
			}
			return nil, fmt.Errorf("receive: %w", err)
		}

		deadline := time.Now().Add(q.opts.VisibilityTimeout)
		pipe := q.rdb.TxPipeline()
		countCmd := pipe.HIncrBy(ctx, q.key("msg", q.opts.Name, id), "count", 1)
		bodyCmd := pipe.HGet(ctx, q.key("msg", q.opts.Name, id), "body")
		pipe.ZAdd(ctx, q.key("pending", q.opts.Name), r.Z{Score: float64(deadline.Unix()), Member: id})
		pipe.LRem(ctx, claimed, 1, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("register delivery: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal([]byte(bodyCmd.Val()), &msg); err != nil {
			// Poison payload: park it on the DLQ rather than looping.
			q.deadLetter(ctx, id, []byte(bodyCmd.Val()))
			continue
		}
		return &redisDelivery{q: q, id: id, msg: msg, count: int(countCmd.Val())}, nil
	}
}

func (q *Redis) DeadLetters(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	bodies, err := q.rdb.LRange(ctx, q.key("dlq", q.opts.Name), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]domain.Message, 0, len(bodies))
	for _, body := range bodies {
		var msg domain.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Reap returns messages whose visibility deadline passed to the ready
// list, dead-lettering those that exhausted their deliveries, and
// recovers IDs stranded in the claimed list by a consumer that died
// between the pop and the register pipeline. The sweep loop calls this
// periodically; it is safe to run from multiple processes.
func (q *Redis) Reap(ctx context.Context, now time.Time) (requeued, deadLettered int, err error) {
	pending := q.key("pending", q.opts.Name)
	ids, err := q.rdb.ZRangeByScore(ctx, pending, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10), Offset: 0, Count: 200,
	}).Result()
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		// Only the winner of the ZRem acts on the message.
		removed, err := q.rdb.ZRem(ctx, pending, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		count, _ := q.rdb.HGet(ctx, q.key("msg", q.opts.Name, id), "count").Int()
		if count >= q.opts.MaxDeliveries {
			body, _ := q.rdb.HGet(ctx, q.key("msg", q.opts.Name, id), "body").Result()
			q.deadLetter(ctx, id, []byte(body))
			deadLettered++
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("ready", q.opts.Name), id).Err(); err == nil {
			requeued++
		}
	}

	recovered, err := q.reapClaimed(ctx, now)
	return requeued + recovered, deadLettered, err
}

// reapClaimed re-pushes IDs stuck in the claimed list. Healthy
// consumers hold an ID there for milliseconds, so an entry is treated
// as abandoned once it has been sighted for a full visibility window:
// the first pass records the sighting in a watch ZSET, a later pass
// past the window moves it back to ready. Entries that registered
// normally in the meantime fail the LRem and only lose their watch
// record.
func (q *Redis) reapClaimed(ctx context.Context, now time.Time) (int, error) {
	claimed := q.key("claimed", q.opts.Name)
	watch := q.key("claimwatch", q.opts.Name)

	ids, err := q.rdb.LRange(ctx, claimed, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		q.rdb.ZAddNX(ctx, watch, r.Z{Score: float64(now.Unix()), Member: id})
	}

	cutoff := now.Add(-q.opts.VisibilityTimeout).Unix()
	stale, err := q.rdb.ZRangeByScore(ctx, watch, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range stale {
		q.rdb.ZRem(ctx, watch, id)
		removed, err := q.rdb.LRem(ctx, claimed, 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.key("ready", q.opts.Name), id).Err(); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

func (q *Redis) deadLetter(ctx context.Context, id string, body []byte) {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.key("dlq", q.opts.Name), body)
	pipe.ZRem(ctx, q.key("pending", q.opts.Name), id)
	pipe.Del(ctx, q.key("msg", q.opts.Name, id))
	_, _ = pipe.Exec(ctx)
}

type redisDelivery struct {
	q     *Redis
	id    string
	msg   domain.Message
	count int
}

func (d *redisDelivery) Message() domain.Message { return d.msg }

func (d *redisDelivery) DeliveryCount() int { return d.count }

func (d *redisDelivery) Ack(ctx context.Context) error {
	pipe := d.q.rdb.TxPipeline()
	pipe.ZRem(ctx, d.q.key("pending", d.q.opts.Name), d.id)
	pipe.Del(ctx, d.q.key("msg", d.q.opts.Name, d.id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context) error {
	if d.count >= d.q.opts.MaxDeliveries {
		body, err := d.q.rdb.HGet(ctx, d.q.key("msg", d.q.opts.Name, d.id), "body").Result()
		if err != nil {
			return fmt.Errorf("nack: load body: %w", err)
		}
		d.q.deadLetter(ctx, d.id, []byte(body))
		return nil
	}
	pipe := d.q.rdb.TxPipeline()
	pipe.ZRem(ctx, d.q.key("pending", d.q.opts.Name), d.id)
	pipe.LPush(ctx, d.q.key("ready", d.q.opts.Name), d.id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

var _ Queue = (*Redis)(nil)
