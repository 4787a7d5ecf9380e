package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue against Redis: a ready list per queue name
// (RPUSH/BLPOP), a processing zset scored by lease deadline (the
// visibility-timeout safety net for crashed consumers), a delayed zset
// scored by retry due time (failed messages wait out their exponential
// backoff there before Dequeue promotes them back to ready), an in-flight
// hash holding the envelope so a reclaimed message can be reconstructed,
// and a dead-letter list + hash per queue.
type RedisQueue struct {
	client *redis.Client
	prefix string

	// RetryBase and RetryCap bound the exponential backoff applied by Fail
	// before a message becomes deliverable again. Zero values take the
	// package defaults; tests shrink them.
	RetryBase time.Duration
	RetryCap  time.Duration
}

type envelope struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

type deadLetterEnvelope struct {
	envelope
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

// NewRedisQueue connects to redisURL and returns a RedisQueue whose keys are
// namespaced under keyPrefix.
func NewRedisQueue(ctx context.Context, redisURL, keyPrefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis: ping: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "bench:"
	}
	return &RedisQueue{client: client, prefix: keyPrefix}, nil
}

func (q *RedisQueue) readyKey(queueName string) string      { return q.prefix + queueName + ":ready" }
func (q *RedisQueue) processingKey(queueName string) string { return q.prefix + queueName + ":processing" }
func (q *RedisQueue) delayedKey(queueName string) string    { return q.prefix + queueName + ":delayed" }
func (q *RedisQueue) inflightKey(queueName string) string   { return q.prefix + queueName + ":inflight" }
func (q *RedisQueue) dlqListKey(queueName string) string    { return q.prefix + queueName + ":dlq" }
func (q *RedisQueue) dlqMsgKey(queueName string) string     { return q.prefix + queueName + ":dlq:msg" }

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	env := envelope{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now().UTC(), Attempts: 0}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: redis: enqueue: marshal: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey(queueName), raw).Err(); err != nil {
		return fmt.Errorf("queue: redis: enqueue: rpush: %w", err)
	}
	return nil
}

// Dequeue alternates between promoting due delayed messages and short
// blocking pops so a message whose backoff expires mid-wait is still
// delivered promptly.
func (q *RedisQueue) Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*Message, error) {
	wait := visibilityTimeout
	if wait <= 0 {
		wait = 5 * time.Second
	}
	waitDeadline := time.Now().Add(wait)
	for {
		if err := q.promoteDelayed(ctx, queueName); err != nil {
			return nil, err
		}

		slice := time.Until(waitDeadline)
		if slice <= 0 {
			return nil, nil
		}
		if slice > 250*time.Millisecond {
			slice = 250 * time.Millisecond
		}
		result, err := q.client.BLPop(ctx, slice, q.readyKey(queueName)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("queue: redis: dequeue: %w", err)
		}
		if len(result) < 2 {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			return nil, fmt.Errorf("queue: redis: dequeue: unmarshal: %w", err)
		}

		leaseDeadline := time.Now().Add(visibilityTimeout)
		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, q.processingKey(queueName), redis.Z{Score: float64(leaseDeadline.Unix()), Member: env.ID})
		pipe.HSet(ctx, q.inflightKey(queueName), env.ID, result[1])
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: redis: dequeue: mark processing: %w", err)
		}

		return &Message{
			ID:         env.ID,
			Queue:      queueName,
			Payload:    env.Payload,
			EnqueuedAt: env.EnqueuedAt,
			Attempts:   env.Attempts,
		}, nil
	}
}

// promoteDelayed moves messages whose retry due time has passed from the
// delayed zset onto the ready list.
func (q *RedisQueue) promoteDelayed(ctx context.Context, queueName string) error {
	now := float64(time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: redis: promote delayed: scan: %w", err)
	}
	for _, raw := range members {
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.readyKey(queueName), raw)
		pipe.ZRem(ctx, q.delayedKey(queueName), raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: redis: promote delayed: requeue: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) clearInFlight(ctx context.Context, queueName, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(queueName), id)
	pipe.HDel(ctx, q.inflightKey(queueName), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Complete(ctx context.Context, queueName string, msg *Message) error {
	if err := q.clearInFlight(ctx, queueName, msg.ID); err != nil {
		return fmt.Errorf("queue: redis: complete: %w", err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, queueName string, msg *Message, maxRedeliveries int, reason string) error {
	if err := q.clearInFlight(ctx, queueName, msg.ID); err != nil {
		return fmt.Errorf("queue: redis: fail: %w", err)
	}

	if msg.Attempts < maxRedeliveries {
		env := envelope{ID: msg.ID, Payload: msg.Payload, EnqueuedAt: msg.EnqueuedAt, Attempts: msg.Attempts + 1}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("queue: redis: fail: marshal: %w", err)
		}
		// Schedule the redelivery instead of requeuing immediately: a
		// throttled upstream must see an exponentially growing, jittered
		// pause, not a hot loop through the ready list.
		due := time.Now().Add(retryDelay(msg.Attempts, q.RetryBase, q.RetryCap))
		err = q.client.ZAdd(ctx, q.delayedKey(queueName), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: raw,
		}).Err()
		if err != nil {
			return fmt.Errorf("queue: redis: fail: schedule retry: %w", err)
		}
		return nil
	}

	dl := deadLetterEnvelope{
		envelope: envelope{ID: msg.ID, Payload: msg.Payload, EnqueuedAt: msg.EnqueuedAt, Attempts: msg.Attempts},
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("queue: redis: fail: dlq marshal: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqListKey(queueName), msg.ID)
	pipe.HSet(ctx, q.dlqMsgKey(queueName), msg.ID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: redis: fail: dlq: %w", err)
	}
	return nil
}

func (q *RedisQueue) ReclaimExpired(ctx context.Context, queueName string) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis: reclaim: scan: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.inflightKey(queueName), id).Result()
		if err == redis.Nil {
			q.client.ZRem(ctx, q.processingKey(queueName), id)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("queue: redis: reclaim: hget: %w", err)
		}

		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, q.readyKey(queueName), raw)
		pipe.ZRem(ctx, q.processingKey(queueName), id)
		pipe.HDel(ctx, q.inflightKey(queueName), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("queue: redis: reclaim: requeue: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, queueName string) ([]DeadLetter, error) {
	ids, err := q.client.LRange(ctx, q.dlqListKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: redis: dead letters: lrange: %w", err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.dlqMsgKey(queueName), id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: redis: dead letters: hget: %w", err)
		}
		var dl deadLetterEnvelope
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("queue: redis: dead letters: unmarshal: %w", err)
		}
		out = append(out, DeadLetter{
			Message: Message{
				ID: dl.ID, Queue: queueName, Payload: dl.Payload,
				EnqueuedAt: dl.EnqueuedAt, Attempts: dl.Attempts,
			},
			FailedAt: dl.FailedAt,
			Reason:   dl.Reason,
		})
	}
	return out, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, queueName string, deadLetterID string) error {
	raw, err := q.client.HGet(ctx, q.dlqMsgKey(queueName), deadLetterID).Result()
	if err == redis.Nil {
		return fmt.Errorf("queue: redis: requeue: %s: %w", deadLetterID, ErrDeadLetterNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: redis: requeue: hget: %w", err)
	}
	var dl deadLetterEnvelope
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return fmt.Errorf("queue: redis: requeue: unmarshal: %w", err)
	}

	env := envelope{ID: dl.ID, Payload: dl.Payload, EnqueuedAt: time.Now().UTC(), Attempts: 0}
	envRaw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: redis: requeue: marshal: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.readyKey(queueName), envRaw)
	pipe.LRem(ctx, q.dlqListKey(queueName), 1, deadLetterID)
	pipe.HDel(ctx, q.dlqMsgKey(queueName), deadLetterID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: redis: requeue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int, error) {
	depth, err := q.client.LLen(ctx, q.readyKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: redis: depth: %w", err)
	}
	return int(depth), nil
}

// ErrDeadLetterNotFound is returned by Requeue when deadLetterID is absent.
var ErrDeadLetterNotFound = fmt.Errorf("queue: dead letter not found")
