package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"receipt-ocr-pipeline/internal/config"
)

// RedisQueue is an at-least-once message transport over Redis. Each logical
// queue is a ready list plus an in-flight sorted set (scored by lease
// deadline) and a per-message meta hash carrying the payload and a delivery
// counter. Consumers see how many times a message has been delivered, and
// messages that exceed the delivery budget move to a dead-letter list.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
	maxDeliveries int
}

// Delivery is one dequeued message. Deliveries counts this delivery too, so
// it reads 1 on first receipt.
type Delivery struct {
	ID         string
	Payload    []byte
	Deliveries int
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout, cfg.MaxDeliveries)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration, maxDeliveries int) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if maxDeliveries == 0 {
		maxDeliveries = 5
	}
	return &RedisQueue{
		client:        client,
		visibilityTTL: visibility,
		maxDeliveries: maxDeliveries,
	}
}

func readyKey(queue string) string    { return "q:ready:" + queue }
func inflightKey(queue string) string { return "q:inflight:" + queue }
func dlqKey(queue string) string      { return "q:dlq:" + queue }
func msgKey(queue, id string) string  { return "q:msg:" + queue + ":" + id }

// Enqueue appends a message and returns its transport id.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	id := uuid.New().String()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, msgKey(queue, id), "payload", payload, "deliveries", 0)
	pipe.RPush(ctx, readyKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return id, nil
}

// Dequeue pops one message, increments its delivery counter, and leases it
// for the visibility window. Returns nil when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey(queue), inflightKey(queue)},
		deadline, msgKeyPrefix(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("unexpected dequeue reply: %v", res)
	}
	id, _ := arr[0].(string)
	payload, _ := arr[1].(string)
	deliveries, _ := arr[2].(int64)
	return &Delivery{ID: id, Payload: []byte(payload), Deliveries: int(deliveries)}, nil
}

// Ack removes a processed message entirely.
func (q *RedisQueue) Ack(ctx context.Context, queue, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), id)
	pipe.Del(ctx, msgKey(queue, id))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack returns a message for redelivery, or dead-letters it once the delivery
// budget is spent. It reports whether the message was dead-lettered.
func (q *RedisQueue) Nack(ctx context.Context, queue string, d *Delivery) (bool, error) {
	if d.Deliveries >= q.maxDeliveries {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(queue), d.ID)
		pipe.RPush(ctx, dlqKey(queue), d.Payload)
		pipe.Del(ctx, msgKey(queue, d.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("dead-letter %s: %w", queue, err)
		}
		return true, nil
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(queue), d.ID)
	pipe.RPush(ctx, readyKey(queue), d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("nack %s: %w", queue, err)
	}
	return false, nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the messages.
func (q *RedisQueue) RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(queue), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey(queue), id)
		pipe.RPush(ctx, readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the ready-queue length.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queue)).Result()
}

// DLQDepth returns the dead-letter list length.
func (q *RedisQueue) DLQDepth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, dlqKey(queue)).Result()
}

// DLQPeek reads up to count dead-lettered payloads for inspection.
func (q *RedisQueue) DLQPeek(ctx context.Context, queue string, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey(queue), 0, count-1).Result()
}

func msgKeyPrefix(queue string) string { return "q:msg:" + queue + ":" }

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local meta = ARGV[2] .. id
local deliveries = redis.call('HINCRBY', meta, 'deliveries', 1)
local payload = redis.call('HGET', meta, 'payload')
return {id, payload, deliveries}
`)
