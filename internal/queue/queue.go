// Package queue implements the pipeline's two durable FIFO-with-retry job
// queues and its broadcast signal bus. The dialogue queue, judgment queue,
// and run-judged signal bus all satisfy the same Queue interface; the
// signal bus is simply a queue every Curator worker drains. Two backends
// are provided, Redis (blocking dequeue plus a lease-scored processing
// set) and RabbitMQ/AMQP (with a dialer-injection seam for tests), both
// taking an arbitrary queue name per call and an opaque JSON payload, so
// the same transport carries dialogue jobs, judge jobs, and run-judged
// signals alike.
package queue

import (
	"context"
	"time"
)

// Message is one dequeued unit of work. ID is transport-assigned and is
// opaque to callers; Attempts counts prior deliveries (0 on first delivery).
type Message struct {
	ID         string
	Queue      string
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
}

// DeadLetter is a message diverted after exceeding its redelivery limit,
// kept for manual operator inspection and replay.
type DeadLetter struct {
	Message
	FailedAt time.Time
	Reason   string
}

// Queue is the transport every producer/consumer pair in the pipeline is
// coupled through; no component calls another synchronously. All
// operations must be safe under at-least-once delivery and consumers must
// be idempotent under replay.
type Queue interface {
	// Enqueue appends payload to queueName. At-least-once; callers must not
	// assume exactly-once delivery.
	Enqueue(ctx context.Context, queueName string, payload []byte) error

	// Dequeue blocks up to visibilityTimeout for a message, marking it
	// in-flight for the same visibilityTimeout. Returns (nil, nil) on an
	// empty queue after the wait elapses.
	Dequeue(ctx context.Context, queueName string, visibilityTimeout time.Duration) (*Message, error)

	// Complete acknowledges successful processing of msg.
	Complete(ctx context.Context, queueName string, msg *Message) error

	// Fail reports a processing failure. If msg.Attempts is below
	// maxRedeliveries the message is scheduled for redelivery with Attempts
	// incremented, after an exponential backoff with jitter keyed to the
	// attempt count; otherwise it is moved to the dead-letter sink for
	// queueName.
	Fail(ctx context.Context, queueName string, msg *Message, maxRedeliveries int, reason string) error

	// ReclaimExpired requeues messages whose visibility window elapsed
	// without a Complete/Fail call (consumer crash recovery), returning the
	// count reclaimed. Safe to call periodically from any worker.
	ReclaimExpired(ctx context.Context, queueName string) (int, error)

	// DeadLetters lists the dead-letter sink for queueName. Resolution is
	// manual: an operator inspects and replays via Requeue.
	DeadLetters(ctx context.Context, queueName string) ([]DeadLetter, error)

	// Requeue moves a dead letter back onto queueName with Attempts reset,
	// for manual operator-initiated replay.
	Requeue(ctx context.Context, queueName string, deadLetterID string) error

	// Depth reports the number of ready (not in-flight) messages.
	Depth(ctx context.Context, queueName string) (int, error)

	Close() error
}
