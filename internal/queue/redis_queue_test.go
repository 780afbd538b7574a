package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxDeliveries int) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, 30*time.Second, maxDeliveries)
}

func TestDeliveryCounterIncrements(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 5)

	if _, err := q.Enqueue(ctx, "ocrqueue", []byte(`{"item_id":"r1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := q.Dequeue(ctx, "ocrqueue")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delivery")
	}
	if d.Deliveries != 1 {
		t.Fatalf("first delivery should count 1, got %d", d.Deliveries)
	}
	if string(d.Payload) != `{"item_id":"r1"}` {
		t.Fatalf("payload mismatch: %s", d.Payload)
	}

	if dead, err := q.Nack(ctx, "ocrqueue", d); err != nil || dead {
		t.Fatalf("nack: dead=%v err=%v", dead, err)
	}

	d2, err := q.Dequeue(ctx, "ocrqueue")
	if err != nil || d2 == nil {
		t.Fatalf("redelivery expected, got d=%v err=%v", d2, err)
	}
	if d2.Deliveries != 2 {
		t.Fatalf("second delivery should count 2, got %d", d2.Deliveries)
	}
	if d2.ID != d.ID {
		t.Fatalf("redelivery changed message id: %s vs %s", d2.ID, d.ID)
	}
}

func TestAckRemovesMessage(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 5)

	if _, err := q.Enqueue(ctx, "receiptitems", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx, "receiptitems")
	if err != nil || d == nil {
		t.Fatalf("dequeue: d=%v err=%v", d, err)
	}
	if err := q.Ack(ctx, "receiptitems", d.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	again, err := q.Dequeue(ctx, "receiptitems")
	if err != nil {
		t.Fatalf("dequeue after ack: %v", err)
	}
	if again != nil {
		t.Fatalf("acked message was redelivered: %+v", again)
	}
	if ids, _ := q.RequeueExpired(ctx, "receiptitems", time.Now().Add(time.Hour), 100); len(ids) != 0 {
		t.Fatalf("acked message still leased: %v", ids)
	}
}

func TestNackDeadLettersAtBudget(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)

	if _, err := q.Enqueue(ctx, "ocrqueue", []byte(`{"item_id":"r2"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, _ := q.Dequeue(ctx, "ocrqueue")
	if dead, err := q.Nack(ctx, "ocrqueue", d); err != nil || dead {
		t.Fatalf("first nack should requeue, dead=%v err=%v", dead, err)
	}

	d, _ = q.Dequeue(ctx, "ocrqueue")
	if d.Deliveries != 2 {
		t.Fatalf("deliveries should be 2, got %d", d.Deliveries)
	}
	dead, err := q.Nack(ctx, "ocrqueue", d)
	if err != nil {
		t.Fatalf("second nack: %v", err)
	}
	if !dead {
		t.Fatal("expected dead-letter at the delivery budget")
	}

	if n, _ := q.DLQDepth(ctx, "ocrqueue"); n != 1 {
		t.Fatalf("dlq depth = %d, want 1", n)
	}
	items, err := q.DLQPeek(ctx, "ocrqueue", 10)
	if err != nil || len(items) != 1 || items[0] != `{"item_id":"r2"}` {
		t.Fatalf("dlq contents: %v err=%v", items, err)
	}
	if again, _ := q.Dequeue(ctx, "ocrqueue"); again != nil {
		t.Fatalf("dead-lettered message was redelivered: %+v", again)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 5)

	if _, err := q.Enqueue(ctx, "ocrqueue", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, _ := q.Dequeue(ctx, "ocrqueue")
	if d == nil {
		t.Fatal("expected a delivery")
	}

	// Lease has not expired yet.
	ids, err := q.RequeueExpired(ctx, "ocrqueue", time.Now(), 100)
	if err != nil || len(ids) != 0 {
		t.Fatalf("premature reclaim: %v err=%v", ids, err)
	}

	// Past the visibility window it comes back, and the next delivery counts.
	ids, err = q.RequeueExpired(ctx, "ocrqueue", time.Now().Add(time.Minute), 100)
	if err != nil || len(ids) != 1 {
		t.Fatalf("reclaim: %v err=%v", ids, err)
	}
	d2, _ := q.Dequeue(ctx, "ocrqueue")
	if d2 == nil || d2.Deliveries != 2 {
		t.Fatalf("reclaimed redelivery should count 2, got %+v", d2)
	}
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 5)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "receiptitems", []byte(`{}`)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n, err := q.Depth(ctx, "receiptitems"); err != nil || n != 3 {
		t.Fatalf("depth = %d err=%v, want 3", n, err)
	}
}
