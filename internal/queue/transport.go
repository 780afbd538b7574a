package queue

import (
	"context"
	"time"
)

// Transport is the consumer/producer surface of the message transport.
// Satisfied by RedisQueue; services depend on this so tests can substitute
// an in-memory fake.
type Transport interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (string, error)
	Dequeue(ctx context.Context, queue string) (*Delivery, error)
	Ack(ctx context.Context, queue, id string) error
	Nack(ctx context.Context, queue string, d *Delivery) (bool, error)
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context, queue string) (int64, error)
	DLQDepth(ctx context.Context, queue string) (int64, error)
}

var _ Transport = (*RedisQueue)(nil)
