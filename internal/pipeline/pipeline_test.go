package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/blob"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/config"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/index"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/rubric"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/scenario"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
)

// testHarness wires the full pipeline against an embedded index, an
// in-memory blob tier, and a miniredis-backed queue, with a deterministic
// fake invoker. Components are driven synchronously so tests control
// exactly how many times each message is delivered.
type testHarness struct {
	t     *testing.T
	ctx   context.Context
	cfg   *config.PipelineConfig
	store *store.Store
	blob  *blob.Memory
	queue queue.Queue
	inv   *invoker.Fake
	pipe  *Pipeline
}

func newHarness(t *testing.T, descriptors []scenario.Descriptor) *testHarness {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	q, err := queue.NewRedisQueue(ctx, "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	q.RetryBase = time.Millisecond
	q.RetryCap = 4 * time.Millisecond
	t.Cleanup(func() { q.Close() })

	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	mem := blob.NewMemory()
	st := store.New(idx, mem)
	inv := invoker.NewFake()

	cfg := &config.PipelineConfig{
		DialogueQueueName:  "dialogue",
		JudgmentQueueName:  "judgment",
		SignalQueueName:    "run-judged",
		RunnerConcurrency:  1,
		JudgeConcurrency:   1,
		CuratorConcurrency: 1,
		MaxRedeliveries:    3,
	}
	cfg.VisibilityTimeout.Dialogue = time.Second
	cfg.VisibilityTimeout.Judgment = time.Second

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	pipe := New(Deps{
		Config:    cfg,
		Store:     st,
		Queue:     q,
		Invoker:   inv,
		Scenarios: scenario.NewStaticRegistry(descriptors),
		Rubrics:   rubric.NewDefaultRegistry(inv),
		Logger:    logrus.NewEntry(logger),
	})
	pipe.Planner.Now = func() time.Time {
		return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	}

	return &testHarness{t: t, ctx: ctx, cfg: cfg, store: st, blob: mem, queue: q, inv: inv, pipe: pipe}
}

func (h *testHarness) writeActiveConfig(cfg model.ActiveConfiguration) {
	h.t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(h.t, err)
	require.NoError(h.t, h.blob.Put(h.ctx, blob.ActiveConfigPath, raw))
}

func singleModelConfig(turnCap int) model.ActiveConfiguration {
	return model.ActiveConfiguration{
		Models:        []model.ModelDescriptor{{ModelID: "model-m"}},
		Scenarios:     []string{"scenario-s"},
		RubricVersion: rubric.HeuristicV1,
		Parameters:    model.GlobalParameters{TurnCap: turnCap, JudgeModelID: "judge-j"},
	}
}

// dequeue pops one message or fails the test if the queue is empty.
func (h *testHarness) dequeue(queueName string) *queue.Message {
	h.t.Helper()
	msg, err := h.queue.Dequeue(h.ctx, queueName, 500*time.Millisecond)
	require.NoError(h.t, err)
	require.NotNil(h.t, msg, "expected a message on %s", queueName)
	return msg
}

// drain processes every ready message on queueName through proc, completing
// or failing against the queue as the worker harness would. Returns the
// number processed.
func (h *testHarness) drain(queueName string, proc interface {
	Process(context.Context, *queue.Message) error
}) int {
	h.t.Helper()
	n := 0
	for {
		msg, err := h.queue.Dequeue(h.ctx, queueName, 200*time.Millisecond)
		require.NoError(h.t, err)
		if msg == nil {
			return n
		}
		n++
		if perr := proc.Process(h.ctx, msg); perr != nil {
			require.NoError(h.t, h.queue.Fail(h.ctx, queueName, msg, h.cfg.MaxRedeliveries, perr.Error()))
			continue
		}
		require.NoError(h.t, h.queue.Complete(h.ctx, queueName, msg))
	}
}

func questionResponse() invoker.Response {
	return invoker.Response{
		Text:         "What do you think?",
		InputTokens:  50,
		OutputTokens: 5,
		Latency:      100 * time.Millisecond,
	}
}

func TestSingleTurnHappyPath(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		Persona:                 "curious beginner",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         1,
	}})
	h.writeActiveConfig(singleModelConfig(5))
	h.inv.Default = questionResponse()

	res, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RunsCreated)
	assert.Equal(t, 1, res.Enqueued)

	assert.Equal(t, 1, h.drain(h.cfg.DialogueQueueName, h.pipe.Runner))
	assert.Equal(t, 1, h.drain(h.cfg.JudgmentQueueName, h.pipe.Judge))
	assert.Equal(t, 1, h.drain(h.cfg.SignalQueueName, h.pipe.Curator))

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 1, run.TurnCountActual)

	turns, err := h.store.ListTurns(h.ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Why does ice float?", turns[0].StudentText)
	assert.Equal(t, "What do you think?", turns[0].AIText)
	assert.Equal(t, int64(100), turns[0].LatencyMS)

	judgments, err := h.store.ListJudgments(h.ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, judgments, 1)
	assert.Equal(t, 1.0, judgments[0].RubricScores["questioning"])
	assert.True(t, judgments[0].BooleanScores["well_formed"])

	summary, found, err := h.store.GetRunSummary(h.ctx, run.RunID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1.0, summary.Dimensions["questioning"].Mean)
	assert.Equal(t, 1.0, summary.ComplianceRate)
	assert.Equal(t, 1, summary.FirstFailureTurn)
	assert.Equal(t, 5, summary.TotalOutputTokens)
	assert.Equal(t, 50, summary.TotalInputTokens)

	pa, _, found, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, pa.RunCount)
	assert.Equal(t, 1.0, pa.Dimensions["questioning"].Mean)
}

func TestRedeliveryIdempotence(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         1,
	}})
	h.writeActiveConfig(singleModelConfig(5))
	h.inv.Default = questionResponse()

	_, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)

	// Deliver the dialogue message three times, as to three Runner
	// instances racing on redelivery.
	dialogueMsg := h.dequeue(h.cfg.DialogueQueueName)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.pipe.Runner.Process(h.ctx, dialogueMsg))
	}
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.DialogueQueueName, dialogueMsg))

	// First Runner delivery enqueued the judge job; the replays found the
	// run already completed and returned without enqueuing duplicates, so
	// exactly one judge message is ready. Deliver it twice.
	judgeMsg := h.dequeue(h.cfg.JudgmentQueueName)
	for i := 0; i < 2; i++ {
		require.NoError(t, h.pipe.Judge.Process(h.ctx, judgeMsg))
	}
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.JudgmentQueueName, judgeMsg))

	h.drain(h.cfg.SignalQueueName, h.pipe.Curator)

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))

	turns, err := h.store.ListTurns(h.ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	judgments, err := h.store.ListJudgments(h.ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, judgments, 1)

	pa, _, found, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, pa.RunCount)
}

func TestPlannerReTrigger(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         1,
	}})
	h.writeActiveConfig(singleModelConfig(5))

	first, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	assert.True(t, first.ManifestCreated)
	assert.Equal(t, 1, first.RunsCreated)
	assert.Equal(t, 1, first.Enqueued)

	second, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first.ManifestID, second.ManifestID)
	assert.False(t, second.ManifestCreated)
	assert.Equal(t, 0, second.RunsCreated)
	assert.Equal(t, 1, second.RunsExisting)
	assert.Equal(t, 0, second.Enqueued)

	depth, err := h.queue.Depth(h.ctx, h.cfg.DialogueQueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestPartialFailureThenRecovery(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         3,
	}})
	h.writeActiveConfig(singleModelConfig(5))

	calls := 0
	h.inv.Responder = func(modelID, prompt string) (invoker.Response, error) {
		calls++
		if calls == 2 {
			return invoker.Response{}, apperr.Transient("invoke model", assert.AnError)
		}
		return questionResponse(), nil
	}

	_, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)

	dialogueMsg := h.dequeue(h.cfg.DialogueQueueName)
	require.Error(t, h.pipe.Runner.Process(h.ctx, dialogueMsg))

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))
	assert.Equal(t, model.RunFailed, run.Status)

	turns, err := h.store.ListTurns(h.ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, turns, 1, "only turn 0 persisted before the failure")

	depth, err := h.queue.Depth(h.ctx, h.cfg.JudgmentQueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "judge job for turn 0 already enqueued")

	// Redelivery: turn 0 is not re-invoked, turns 1 and 2 are generated.
	require.NoError(t, h.pipe.Runner.Process(h.ctx, dialogueMsg))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.DialogueQueueName, dialogueMsg))
	assert.Equal(t, 4, calls, "three successful invocations plus one failure")

	turns, err = h.store.ListTurns(h.ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.TurnIndex)
	}

	assert.Equal(t, 3, h.drain(h.cfg.JudgmentQueueName, h.pipe.Judge))

	judgments, err := h.store.ListJudgments(h.ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, judgments, 3)

	run, found, err := h.store.GetRun(h.ctx, run.RunID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, 3, run.TurnCountActual)
}

func TestCuratorCompletionRace(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         2,
	}})
	h.writeActiveConfig(singleModelConfig(5))
	h.inv.Default = questionResponse()

	_, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	h.drain(h.cfg.DialogueQueueName, h.pipe.Runner)

	// Judge turn 1 before turn 0.
	msg0 := h.dequeue(h.cfg.JudgmentQueueName)
	msg1 := h.dequeue(h.cfg.JudgmentQueueName)
	require.NoError(t, h.pipe.Judge.Process(h.ctx, msg1))
	require.NoError(t, h.pipe.Judge.Process(h.ctx, msg0))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.JudgmentQueueName, msg0))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.JudgmentQueueName, msg1))

	// Only the Judge that saw both counts converged emitted the signal.
	depth, err := h.queue.Depth(h.ctx, h.cfg.SignalQueueName)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))

	// Deliver the signal twice: identical curated artifact bytes, Period
	// Aggregate unchanged after the first application.
	signalMsg := h.dequeue(h.cfg.SignalQueueName)
	require.NoError(t, h.pipe.Curator.Process(h.ctx, signalMsg))
	firstArtifact, err := h.blob.Get(h.ctx, blob.CuratedRunPath(run.RunID))
	require.NoError(t, err)
	firstAggregate, _, _, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)

	require.NoError(t, h.pipe.Curator.Process(h.ctx, signalMsg))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.SignalQueueName, signalMsg))

	secondArtifact, err := h.blob.Get(h.ctx, blob.CuratedRunPath(run.RunID))
	require.NoError(t, err)
	assert.Equal(t, firstArtifact, secondArtifact, "curated artifact must be byte-identical")

	secondAggregate, _, _, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)
	assert.Equal(t, firstAggregate, secondAggregate)
	assert.Equal(t, 1, secondAggregate.RunCount)
}

// Premature signals (count mismatch at the Curator) are invariant
// violations, not errors: the worker harness no-ops them.
func TestCuratorAbandonsUnconvergedRun(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{{
		ScenarioID:              "scenario-s",
		OpeningStudentUtterance: "Why does ice float?",
		TurnCountTarget:         2,
	}})
	h.writeActiveConfig(singleModelConfig(5))
	h.inv.Default = questionResponse()

	_, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	h.drain(h.cfg.DialogueQueueName, h.pipe.Runner)

	// Judge only turn 0 of 2, then attempt an unforced curation directly.
	msg0 := h.dequeue(h.cfg.JudgmentQueueName)
	require.NoError(t, h.pipe.Judge.Process(h.ctx, msg0))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.JudgmentQueueName, msg0))

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))

	err = h.pipe.Curator.Curate(h.ctx, run.RunID, false)
	var inv *apperr.InvariantViolation
	require.ErrorAs(t, err, &inv)

	_, found, err := h.store.GetRunSummary(h.ctx, run.RunID)
	require.NoError(t, err)
	assert.False(t, found, "no summary persisted for an unconverged run")
}

// Two runs of the same (period, model) must both land in the Period
// Aggregate: the merge rescans the period's runs from the index instead of
// trusting whatever contributor set an earlier write recorded.
func TestPeriodAggregateCoversAllPeriodRuns(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{
		{ScenarioID: "scenario-s", OpeningStudentUtterance: "Why does ice float?", TurnCountTarget: 1},
		{ScenarioID: "scenario-t", OpeningStudentUtterance: "Why is the sky blue?", TurnCountTarget: 1},
	})
	cfg := singleModelConfig(5)
	cfg.Scenarios = []string{"scenario-s", "scenario-t"}
	h.writeActiveConfig(cfg)
	h.inv.Default = questionResponse()

	res, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RunsCreated)

	assert.Equal(t, 2, h.drain(h.cfg.DialogueQueueName, h.pipe.Runner))
	assert.Equal(t, 2, h.drain(h.cfg.JudgmentQueueName, h.pipe.Judge))
	assert.Equal(t, 2, h.drain(h.cfg.SignalQueueName, h.pipe.Curator))

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))

	pa, _, found, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, pa.RunCount)
	assert.Len(t, pa.ContributingRunIDs, 2)
	assert.Equal(t, 1.0, pa.ComplianceRateMean)
}

// Redelivered signals for distinct runs of the same (period, model) may
// arrive in any order and any multiplicity; every delivery rescans the
// period's runs, so no interleaving can drop a run from the aggregate.
func TestPeriodAggregateSurvivesInterleavedCuration(t *testing.T) {
	h := newHarness(t, []scenario.Descriptor{
		{ScenarioID: "scenario-s", OpeningStudentUtterance: "Why does ice float?", TurnCountTarget: 1},
		{ScenarioID: "scenario-t", OpeningStudentUtterance: "Why is the sky blue?", TurnCountTarget: 1},
	})
	cfg := singleModelConfig(5)
	cfg.Scenarios = []string{"scenario-s", "scenario-t"}
	h.writeActiveConfig(cfg)
	h.inv.Default = questionResponse()

	_, err := h.pipe.Planner.Trigger(h.ctx, false)
	require.NoError(t, err)
	h.drain(h.cfg.DialogueQueueName, h.pipe.Runner)
	h.drain(h.cfg.JudgmentQueueName, h.pipe.Judge)

	// Curate both runs, then redeliver both signals in the opposite order.
	// Every delivery rescans the period, so the final aggregate equals the
	// one-shot aggregate no matter the interleaving.
	sig1 := h.dequeue(h.cfg.SignalQueueName)
	sig2 := h.dequeue(h.cfg.SignalQueueName)
	require.NoError(t, h.pipe.Curator.Process(h.ctx, sig1))
	require.NoError(t, h.pipe.Curator.Process(h.ctx, sig2))
	require.NoError(t, h.pipe.Curator.Process(h.ctx, sig2))
	require.NoError(t, h.pipe.Curator.Process(h.ctx, sig1))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.SignalQueueName, sig1))
	require.NoError(t, h.queue.Complete(h.ctx, h.cfg.SignalQueueName, sig2))

	runs, err := h.store.Index.QueryBySecondary(h.ctx, "model_id", "model-m")
	require.NoError(t, err)
	var run model.Run
	require.NoError(t, json.Unmarshal(runs[0].Payload, &run))

	pa, _, found, err := h.store.GetPeriodAggregate(h.ctx, model.PeriodKey(run.CreatedAt), "model-m")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, pa.RunCount)
	assert.Len(t, pa.ContributingRunIDs, 2)
}
