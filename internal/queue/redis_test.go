package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"

	"genjobs/internal/domain"
)

func newRedisQueue(t *testing.T) (*Redis, *r.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, Options{Name: "t", VisibilityTimeout: time.Minute, MaxDeliveries: 3}), rdb
}

// A consumer that dies between the BLMove pop and the register pipeline
// leaves the message ID in the claimed list, outside the pending ZSET
// that normal reaping scans. Reap must notice it and put it back.
func TestRedisReapRecoversStrandedClaim(t *testing.T) {
	ctx := context.Background()
	q, rdb := newRedisQueue(t)

	if err := q.Enqueue(ctx, domain.Message{JobID: "job-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate the crash: pop into claimed, then nothing.
	if err := rdb.LMove(ctx, q.key("ready", "t"), q.key("claimed", "t"), "RIGHT", "LEFT").Err(); err != nil {
		t.Fatalf("LMove: %v", err)
	}

	// The first pass only records the sighting; an ID in transit for a
	// moment must not be stolen from a healthy consumer.
	now := time.Now()
	requeued, dead, err := q.Reap(ctx, now)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if requeued != 0 || dead != 0 {
		t.Fatalf("first pass: requeued = %d, dead = %d, want 0/0", requeued, dead)
	}

	// A pass after a full visibility window recovers it.
	requeued, dead, err = q.Reap(ctx, now.Add(time.Minute+time.Second))
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if requeued != 1 || dead != 0 {
		t.Fatalf("second pass: requeued = %d, dead = %d, want 1/0", requeued, dead)
	}

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	del, err := q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if del.Message().JobID != "job-1" {
		t.Fatalf("JobID = %s", del.Message().JobID)
	}
	if del.DeliveryCount() != 1 {
		t.Fatalf("delivery count = %d, want 1", del.DeliveryCount())
	}
}

// An ID that registered normally loses only its watch record; the
// delivery it belongs to stays invisible.
func TestRedisReapLeavesRegisteredClaimsAlone(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisQueue(t)

	if err := q.Enqueue(ctx, domain.Message{JobID: "job-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := q.Receive(rctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	// Receive registered the delivery, so the claimed list is empty and
	// no amount of reaping may resurface the message early.
	requeued, dead, err := q.Reap(ctx, time.Now())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if requeued != 0 || dead != 0 {
		t.Fatalf("requeued = %d, dead = %d, want 0/0", requeued, dead)
	}
}
