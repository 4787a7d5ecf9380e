// Package worker provides the generic concurrent job-processing harness
// shared by the Runner, Judge, and Curator: a pool of goroutines pulling
// from one named queue under a per-component concurrency cap, each
// applying a deadline-bound handler and translating the result into
// Complete/Fail/no-op against the queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
)

// Processor handles one dequeued message. Returning nil completes the
// message. Returning an *apperr.InvariantViolation is treated as a no-op
// completion (eventual consistency not yet converged; the next trigger or
// signal delivery will reconcile). Any other error is a handler
// failure: the message is failed, which requeues it (up to maxRedeliveries)
// or moves it to the dead-letter sink. An *apperr.InvokerSemanticError is
// never redelivered; it goes straight to the dead-letter sink.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
}

// Config configures one Pool.
type Config struct {
	QueueName         string
	Concurrency       int
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
	ReclaimInterval   time.Duration // 0 disables the periodic reclaim sweep
}

// Pool runs Config.Concurrency worker goroutines against Config.QueueName.
type Pool struct {
	q         queue.Queue
	processor Processor
	cfg       Config
	logger    *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(q queue.Queue, processor Processor, cfg Config, logger *logrus.Entry) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{q: q, processor: processor, cfg: cfg, logger: logger, stop: make(chan struct{})}
}

// Start launches the worker goroutines and, if configured, the reclaim
// sweeper. It returns immediately; call Stop to shut down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	if p.cfg.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.runReclaimer(ctx)
	}
}

// Stop signals all workers to finish their current message and exit, then
// blocks until they have.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker_id", id).WithField("queue", p.cfg.QueueName)
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.q.Dequeue(ctx, p.cfg.QueueName, p.cfg.VisibilityTimeout)
		if err != nil {
			log.WithError(err).Warn("dequeue failed")
			continue
		}
		if msg == nil {
			continue
		}
		p.handle(ctx, log, msg)
	}
}

func (p *Pool) handle(ctx context.Context, log *logrus.Entry, msg *queue.Message) {
	handlerCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.VisibilityTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, p.cfg.VisibilityTimeout)
		defer cancel()
	}

	err := p.processor.Process(handlerCtx, msg)
	if err == nil {
		metrics.HandlerSuccessesTotal.WithLabelValues(p.cfg.QueueName).Inc()
		if cerr := p.q.Complete(ctx, p.cfg.QueueName, msg); cerr != nil {
			log.WithError(cerr).Error("failed to mark message complete")
		}
		return
	}

	var inv *apperr.InvariantViolation
	if errors.As(err, &inv) {
		metrics.HandlerFailuresTotal.WithLabelValues(p.cfg.QueueName, "invariant").Inc()
		log.WithField("invariant", inv.Invariant).Debug("invariant not yet satisfied, no-op")
		if cerr := p.q.Complete(ctx, p.cfg.QueueName, msg); cerr != nil {
			log.WithError(cerr).Error("failed to no-op message")
		}
		return
	}

	category := "transient"
	maxRedeliveries := p.cfg.MaxRedeliveries
	var sem *apperr.InvokerSemanticError
	if errors.As(err, &sem) {
		category = "invoker_semantic"
		maxRedeliveries = 0
	}
	metrics.HandlerFailuresTotal.WithLabelValues(p.cfg.QueueName, category).Inc()
	log.WithError(err).WithField("attempts", msg.Attempts).Warn("handler failed")
	if ferr := p.q.Fail(ctx, p.cfg.QueueName, msg, maxRedeliveries, err.Error()); ferr != nil {
		log.WithError(ferr).Error("failed to mark message failed")
	}
	if msg.Attempts >= maxRedeliveries {
		metrics.DLQDepth.WithLabelValues(p.cfg.QueueName).Inc()
	}
}

func (p *Pool) runReclaimer(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.q.ReclaimExpired(ctx, p.cfg.QueueName)
			if err != nil {
				p.logger.WithError(err).Warn("reclaim sweep failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("queue", p.cfg.QueueName).WithField("count", n).Info("reclaimed expired messages")
			}
		}
	}
}
