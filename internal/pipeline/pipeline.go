// Package pipeline assembles the four components around a shared queue,
// index, and blob tier, and runs the Runner/Judge/Curator worker pools with
// their per-component concurrency caps. The Model Invoker and Scenario
// Registry are injected: they are external collaborators, and a deployment
// embeds this package with its own clients for both.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/config"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/curator"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/judge"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/planner"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/rubric"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/runner"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/scenario"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/worker"
)

// Deps are the externally supplied collaborators plus the storage/transport
// substrates every component shares.
type Deps struct {
	Config    *config.PipelineConfig
	Store     *store.Store
	Queue     queue.Queue
	Invoker   invoker.ModelInvoker
	Scenarios scenario.Registry
	Rubrics   *rubric.Registry
	Logger    *logrus.Entry
}

// Pipeline holds the constructed components and their worker pools.
type Pipeline struct {
	Planner *planner.Planner
	Runner  *runner.Runner
	Judge   *judge.Judge
	Curator *curator.Curator

	runnerPool  *worker.Pool
	judgePool   *worker.Pool
	curatorPool *worker.Pool
}

func New(d Deps) *Pipeline {
	cfg := d.Config
	inv := invoker.Instrumented{Inner: d.Invoker}

	p := &Pipeline{
		Planner: &planner.Planner{
			Blob:              d.Store.Blob,
			Index:             d.Store.Index,
			Queue:             d.Queue,
			DialogueQueueName: cfg.DialogueQueueName,
			Logger:            d.Logger.WithField("component", "planner"),
		},
		Runner: &runner.Runner{
			Store:             d.Store,
			Queue:             d.Queue,
			Scenarios:         d.Scenarios,
			Invoker:           inv,
			Student:           runner.ScriptedStudent{},
			JudgmentQueueName: cfg.JudgmentQueueName,
			Logger:            d.Logger.WithField("component", "runner"),
		},
		Judge: &judge.Judge{
			Store:           d.Store,
			Queue:           d.Queue,
			Rubrics:         d.Rubrics,
			SignalQueueName: cfg.SignalQueueName,
			Logger:          d.Logger.WithField("component", "judge"),
		},
		Curator: &curator.Curator{
			Store:   d.Store,
			Rubrics: d.Rubrics,
			Logger:  d.Logger.WithField("component", "curator"),
		},
	}

	p.runnerPool = worker.NewPool(d.Queue, p.Runner, worker.Config{
		QueueName:         cfg.DialogueQueueName,
		Concurrency:       cfg.RunnerConcurrency,
		VisibilityTimeout: cfg.VisibilityTimeout.Dialogue,
		MaxRedeliveries:   cfg.MaxRedeliveries,
		ReclaimInterval:   time.Minute,
	}, p.Runner.Logger)

	p.judgePool = worker.NewPool(d.Queue, p.Judge, worker.Config{
		QueueName:         cfg.JudgmentQueueName,
		Concurrency:       cfg.JudgeConcurrency,
		VisibilityTimeout: cfg.VisibilityTimeout.Judgment,
		MaxRedeliveries:   cfg.MaxRedeliveries,
		ReclaimInterval:   30 * time.Second,
	}, p.Judge.Logger)

	p.curatorPool = worker.NewPool(d.Queue, p.Curator, worker.Config{
		QueueName:         cfg.SignalQueueName,
		Concurrency:       cfg.CuratorConcurrency,
		VisibilityTimeout: cfg.VisibilityTimeout.Judgment,
		MaxRedeliveries:   cfg.MaxRedeliveries,
		ReclaimInterval:   time.Minute,
	}, p.Curator.Logger)

	return p
}

// Start launches all three worker pools.
func (p *Pipeline) Start(ctx context.Context) {
	p.runnerPool.Start(ctx)
	p.judgePool.Start(ctx)
	p.curatorPool.Start(ctx)
}

// Stop drains all three pools, letting in-flight handlers finish.
func (p *Pipeline) Stop() {
	p.runnerPool.Stop()
	p.judgePool.Stop()
	p.curatorPool.Stop()
}
