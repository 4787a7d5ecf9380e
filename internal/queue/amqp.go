package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// AMQPConnection, AMQPChannel, and AMQPDialer form a dialer-injection seam
// so AMQPQueue stays unit-testable without a real broker. Get (a single
// non-blocking fetch) is used instead of a long-lived Consume channel
// because it maps directly onto Queue's poll-style Dequeue.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

type RealAMQPDialer struct{}

func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realAMQPConnection{conn: conn}, nil
}

type realAMQPConnection struct{ conn *amqp.Connection }

func (r *realAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realAMQPChannel{ch: ch}, nil
}
func (r *realAMQPConnection) Close() error { return r.conn.Close() }

type realAMQPChannel struct{ ch *amqp.Channel }

func (r *realAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}
func (r *realAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}
func (r *realAMQPChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return r.ch.Get(queue, autoAck)
}
func (r *realAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return r.ch.QueueInspect(name)
}
func (r *realAMQPChannel) Close() error { return r.ch.Close() }

// AMQPQueue implements Queue against RabbitMQ. It is the alternate
// selectable transport behind config.QueueBackendKind; Redis is the primary
// backend exercised by the test suite. Unacked deliveries rely on RabbitMQ's
// own broker-side redelivery on channel/connection loss as the visibility
// safety net, so ReclaimExpired is a no-op here.
type AMQPQueue struct {
	conn AMQPConnection
	ch   AMQPChannel

	// RetryBase and RetryCap bound the exponential backoff applied by Fail.
	// Zero values take the package defaults.
	RetryBase time.Duration
	RetryCap  time.Duration

	mu       sync.Mutex
	declared map[string]bool
	pending  map[string]amqp.Delivery
}

func NewAMQPQueue(url string) (*AMQPQueue, error) {
	return NewAMQPQueueWithDialer(url, RealAMQPDialer{})
}

func NewAMQPQueueWithDialer(url string, dialer AMQPDialer) (*AMQPQueue, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: amqp: channel: %w", err)
	}
	return &AMQPQueue{
		conn:     conn,
		ch:       ch,
		declared: make(map[string]bool),
		pending:  make(map[string]amqp.Delivery),
	}, nil
}

func (q *AMQPQueue) Close() error {
	q.ch.Close()
	return q.conn.Close()
}

func (q *AMQPQueue) ensureDeclared(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[name] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return err
	}
	q.declared[name] = true
	return nil
}

// ensureRetryDeclared declares <name>.retry, a parking queue whose expired
// messages dead-letter back onto name. Publishing there with a per-message
// TTL is how a broker with no native delayed delivery expresses the retry
// backoff.
func (q *AMQPQueue) ensureRetryDeclared(name string) (string, error) {
	retryName := name + ".retry"
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[retryName] {
		return retryName, nil
	}
	_, err := q.ch.QueueDeclare(retryName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	})
	if err != nil {
		return "", err
	}
	q.declared[retryName] = true
	return retryName, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	if err := q.ensureDeclared(queueName); err != nil {
		return fmt.Errorf("queue: amqp: enqueue: declare: %w", err)
	}
	env := envelope{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now().UTC(), Attempts: 0}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: amqp: enqueue: marshal: %w", err)
	}
	err = q.ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         raw,
	})
	if err != nil {
		return fmt.Errorf("queue: amqp: enqueue: publish: %w", err)
	}
	return nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*Message, error) {
	if err := q.ensureDeclared(queueName); err != nil {
		return nil, fmt.Errorf("queue: amqp: dequeue: declare: %w", err)
	}
	deadline := time.Now().Add(visibilityTimeout)
	for {
		delivery, ok, err := q.ch.Get(queueName, false)
		if err != nil {
			return nil, fmt.Errorf("queue: amqp: dequeue: get: %w", err)
		}
		if ok {
			var env envelope
			if err := json.Unmarshal(delivery.Body, &env); err != nil {
				delivery.Nack(false, false)
				return nil, fmt.Errorf("queue: amqp: dequeue: unmarshal: %w", err)
			}
			q.mu.Lock()
			q.pending[env.ID] = delivery
			q.mu.Unlock()
			return &Message{ID: env.ID, Queue: queueName, Payload: env.Payload, EnqueuedAt: env.EnqueuedAt, Attempts: env.Attempts}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *AMQPQueue) takePending(id string) (amqp.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	return d, ok
}

func (q *AMQPQueue) Complete(ctx context.Context, queueName string, msg *Message) error {
	if d, ok := q.takePending(msg.ID); ok {
		return d.Ack(false)
	}
	return nil
}

func (q *AMQPQueue) Fail(ctx context.Context, queueName string, msg *Message, maxRedeliveries int, reason string) error {
	d, ok := q.takePending(msg.ID)

	if msg.Attempts < maxRedeliveries {
		if ok {
			d.Nack(false, false)
		}
		retryName, err := q.ensureRetryDeclared(queueName)
		if err != nil {
			return fmt.Errorf("queue: amqp: fail: declare retry queue: %w", err)
		}
		env := envelope{ID: msg.ID, Payload: msg.Payload, EnqueuedAt: msg.EnqueuedAt, Attempts: msg.Attempts + 1}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("queue: amqp: fail: marshal: %w", err)
		}
		delay := retryDelay(msg.Attempts, q.RetryBase, q.RetryCap)
		err = q.ch.Publish("", retryName, false, false, amqp.Publishing{
			Body:       raw,
			Expiration: strconv.FormatInt(delay.Milliseconds(), 10),
		})
		if err != nil {
			return fmt.Errorf("queue: amqp: fail: schedule retry: %w", err)
		}
		return nil
	}

	if ok {
		d.Ack(false)
	}
	dlqName := queueName + ".dlq"
	if err := q.ensureDeclared(dlqName); err != nil {
		return fmt.Errorf("queue: amqp: fail: declare dlq: %w", err)
	}
	dl := deadLetterEnvelope{
		envelope: envelope{ID: msg.ID, Payload: msg.Payload, EnqueuedAt: msg.EnqueuedAt, Attempts: msg.Attempts},
		FailedAt: time.Now().UTC(),
		Reason:   reason,
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("queue: amqp: fail: dlq marshal: %w", err)
	}
	if err := q.ch.Publish("", dlqName, false, false, amqp.Publishing{Body: raw}); err != nil {
		return fmt.Errorf("queue: amqp: fail: dlq publish: %w", err)
	}
	return nil
}

// ReclaimExpired is a no-op: unacked AMQP deliveries are redelivered by the
// broker itself once the consuming channel/connection drops, so there is no
// separate lease to sweep at this layer.
func (q *AMQPQueue) ReclaimExpired(ctx context.Context, queueName string) (int, error) {
	return 0, nil
}

// DeadLetters peeks the dead-letter queue by Get+requeue-Nack for the
// message count QueueInspect reports. This is an approximation (broker
// ordering under concurrent producers is not guaranteed) acceptable for an
// alternate backend whose primary use is operator visibility, not the
// correctness-critical path.
func (q *AMQPQueue) DeadLetters(ctx context.Context, queueName string) ([]DeadLetter, error) {
	dlqName := queueName + ".dlq"
	if err := q.ensureDeclared(dlqName); err != nil {
		return nil, fmt.Errorf("queue: amqp: dead letters: declare: %w", err)
	}
	info, err := q.ch.QueueInspect(dlqName)
	if err != nil {
		return nil, fmt.Errorf("queue: amqp: dead letters: inspect: %w", err)
	}

	out := make([]DeadLetter, 0, info.Messages)
	for i := 0; i < info.Messages; i++ {
		delivery, ok, err := q.ch.Get(dlqName, false)
		if err != nil {
			return out, fmt.Errorf("queue: amqp: dead letters: get: %w", err)
		}
		if !ok {
			break
		}
		var dl deadLetterEnvelope
		if err := json.Unmarshal(delivery.Body, &dl); err != nil {
			delivery.Nack(false, true)
			continue
		}
		out = append(out, DeadLetter{
			Message: Message{ID: dl.ID, Queue: queueName, Payload: dl.Payload, EnqueuedAt: dl.EnqueuedAt, Attempts: dl.Attempts},
			FailedAt: dl.FailedAt,
			Reason:   dl.Reason,
		})
		delivery.Nack(false, true)
	}
	return out, nil
}

// Requeue publishes a copy of the dead letter onto queueName with Attempts
// reset. The original is left in the dead-letter queue, so DeadLetters
// still lists it afterwards.
func (q *AMQPQueue) Requeue(ctx context.Context, queueName string, deadLetterID string) error {
	deadLetters, err := q.DeadLetters(ctx, queueName)
	if err != nil {
		return err
	}
	for _, dl := range deadLetters {
		if dl.ID != deadLetterID {
			continue
		}
		env := envelope{ID: dl.ID, Payload: dl.Payload, EnqueuedAt: time.Now().UTC(), Attempts: 0}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("queue: amqp: requeue: marshal: %w", err)
		}
		return q.ch.Publish("", queueName, false, false, amqp.Publishing{Body: raw})
	}
	return fmt.Errorf("queue: amqp: requeue: %s: %w", deadLetterID, ErrDeadLetterNotFound)
}

func (q *AMQPQueue) Depth(ctx context.Context, queueName string) (int, error) {
	if err := q.ensureDeclared(queueName); err != nil {
		return 0, fmt.Errorf("queue: amqp: depth: declare: %w", err)
	}
	info, err := q.ch.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("queue: amqp: depth: inspect: %w", err)
	}
	return info.Messages, nil
}
