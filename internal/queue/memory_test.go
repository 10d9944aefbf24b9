package queue

import (
	"context"
	"testing"
	"time"

	"genjobs/internal/domain"
)

func newTestQueue(visibility time.Duration, maxDeliveries int) *Memory {
	return NewMemory(Options{
		Name:              "test",
		VisibilityTimeout: visibility,
		MaxDeliveries:     maxDeliveries,
	})
}

func receiveWithin(t *testing.T, q *Memory, d time.Duration) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	del, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return del
}

func TestMemoryQueueAckRemovesMessage(t *testing.T) {
	q := newTestQueue(20*time.Millisecond, 3)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, domain.Message{JobID: "j1"})
	del := receiveWithin(t, q, time.Second)
	if del.Message().JobID != "j1" {
		t.Fatalf("got job %q", del.Message().JobID)
	}
	if del.DeliveryCount() != 1 {
		t.Fatalf("delivery count = %d, want 1", del.DeliveryCount())
	}
	if err := del.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// No redelivery after the visibility timeout.
	rctx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(rctx); err != context.DeadlineExceeded {
		t.Fatalf("acked message redelivered, err=%v", err)
	}
}

func TestMemoryQueueVisibilityTimeoutRedelivers(t *testing.T) {
	q := newTestQueue(20*time.Millisecond, 3)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, domain.Message{JobID: "j1"})
	first := receiveWithin(t, q, time.Second)
	_ = first // not acked; let the visibility timeout expire

	second := receiveWithin(t, q, time.Second)
	if second.Message().JobID != "j1" {
		t.Fatalf("got job %q", second.Message().JobID)
	}
	if second.DeliveryCount() != 2 {
		t.Fatalf("delivery count = %d, want 2", second.DeliveryCount())
	}
	second.Ack(ctx)
}

func TestMemoryQueueNackRedeliversImmediately(t *testing.T) {
	q := newTestQueue(time.Minute, 3)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, domain.Message{JobID: "j1"})
	del := receiveWithin(t, q, time.Second)
	if err := del.Nack(ctx); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	again := receiveWithin(t, q, time.Second)
	if again.DeliveryCount() != 2 {
		t.Fatalf("delivery count = %d, want 2", again.DeliveryCount())
	}
	again.Ack(ctx)
}

func TestMemoryQueueDeadLettersAfterMaxDeliveries(t *testing.T) {
	q := newTestQueue(time.Minute, 3)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, domain.Message{JobID: "j1"})
	for i := 1; i <= 3; i++ {
		del := receiveWithin(t, q, time.Second)
		if del.DeliveryCount() != i {
			t.Fatalf("delivery count = %d, want %d", del.DeliveryCount(), i)
		}
		if err := del.Nack(ctx); err != nil {
			t.Fatalf("Nack: %v", err)
		}
	}

	// No fourth delivery.
	rctx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(rctx); err != context.DeadlineExceeded {
		t.Fatalf("exhausted message redelivered, err=%v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].JobID != "j1" {
		t.Fatalf("dead letters = %+v, want one entry for j1", dead)
	}
}

func TestMemoryQueueCompetingConsumers(t *testing.T) {
	q := newTestQueue(time.Minute, 3)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, domain.Message{JobID: id})
	}

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		del := receiveWithin(t, q, time.Second)
		seen[del.Message().JobID]++
		del.Ack(ctx)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s delivered %d times", id, n)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("saw %d distinct jobs, want 3", len(seen))
	}
}
