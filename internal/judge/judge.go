// Package judge consumes judgment-queue messages, scores each persisted
// Turn against the run's rubric version, and performs the cross-worker
// completion detection that triggers curation: after every Judgment write
// it compares the run's Turn and Judgment counts and emits a run-judged
// signal when they match. Emission may duplicate across concurrent workers;
// the Curator is built to tolerate that.
package judge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/jobs"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/rubric"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
)

// Judge is the judgment-queue Processor.
type Judge struct {
	Store           *store.Store
	Queue           queue.Queue
	Rubrics         *rubric.Registry
	SignalQueueName string
	Logger          *logrus.Entry

	Now func() time.Time
}

func (j *Judge) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

func (j *Judge) Process(ctx context.Context, msg *queue.Message) error {
	job, err := jobs.UnmarshalJudgeJob(msg.Payload)
	if err != nil {
		return fmt.Errorf("judge: unmarshal judge job: %w", err)
	}
	log := j.Logger.WithFields(logrus.Fields{"run_id": job.RunID, "turn_index": job.TurnIndex})

	turn, found, err := j.Store.GetTurn(ctx, job.RunID, job.TurnIndex)
	if err != nil {
		return apperr.Transient("load turn", err)
	}
	if !found {
		// Possible race with the Runner's persistence; redeliver.
		return apperr.Transient("load turn", fmt.Errorf("turn %s/%d not yet persisted", job.RunID, job.TurnIndex))
	}

	run, found, err := j.Store.GetRun(ctx, job.RunID)
	if err != nil || !found {
		return apperr.Transient("load run", fmt.Errorf("run %s: found=%v: %w", job.RunID, found, err))
	}

	manifest, found, err := j.Store.GetManifest(ctx, run.ManifestID)
	if err != nil || !found {
		return apperr.Transient("load manifest", fmt.Errorf("manifest %s: found=%v: %w", run.ManifestID, found, err))
	}

	def, err := j.Rubrics.Get(run.RubricVersion)
	if err != nil {
		// Unknown rubric versions never resolve by redelivery, but failing
		// the handler routes the message to the DLQ where an operator can
		// see it, which beats silently dropping the turn.
		return fmt.Errorf("judge: %w", err)
	}

	// Prior turns give context-sensitive dimensions their window. Prior
	// Judgments are deliberately not loaded; trajectory metrics belong to
	// the Curator.
	priorTurns, err := j.priorTurns(ctx, job.RunID, job.TurnIndex)
	if err != nil {
		return apperr.Transient("load prior turns", err)
	}

	started := j.now()
	result, err := def.Scorer.Score(ctx, def.Rubric, turn, priorTurns, manifest.Parameters.JudgeModelID)
	if err != nil {
		return apperr.Transient("score turn", err)
	}

	judgment := model.Judgment{
		RunID:             job.RunID,
		TurnIndex:         job.TurnIndex,
		RubricScores:      result.RubricScores,
		BooleanScores:     result.BooleanScores,
		HeuristicFeatures: result.HeuristicFeatures,
		JudgeModelID:      manifest.Parameters.JudgeModelID,
		JudgeLatencyMS:    j.now().Sub(started).Milliseconds(),
		CreatedAt:         j.now(),
		Error:             result.Error,
	}
	written, err := j.Store.PutJudgment(ctx, judgment)
	if err != nil {
		return apperr.Transient("persist judgment", err)
	}
	if !written {
		log.Debug("judgment already persisted, redelivery no-op")
	}

	return j.detectCompletion(ctx, log, run)
}

func (j *Judge) priorTurns(ctx context.Context, runID string, turnIndex int) ([]model.Turn, error) {
	if turnIndex == 0 {
		return nil, nil
	}
	all, err := j.Store.ListTurns(ctx, runID)
	if err != nil {
		return nil, err
	}
	prior := make([]model.Turn, 0, turnIndex)
	for _, t := range all {
		if t.TurnIndex < turnIndex {
			prior = append(prior, t)
		}
	}
	return prior, nil
}

// detectCompletion emits a run-judged signal when every persisted Turn has
// a Judgment. The check is eventually consistent: a concurrent Judge may
// see the same converged counts and emit a duplicate signal, which the
// Curator absorbs.
func (j *Judge) detectCompletion(ctx context.Context, log *logrus.Entry, run model.Run) error {
	turns, judgments, err := j.Store.Counts(ctx, run.RunID)
	if err != nil {
		return apperr.Transient("count turns and judgments", err)
	}
	if turns == 0 || turns != judgments {
		return nil
	}
	if run.Status != model.RunRunning && run.Status != model.RunCompleted {
		return nil
	}

	signal := jobs.RunJudgedSignal{RunID: run.RunID}
	payload, err := signal.Marshal()
	if err != nil {
		return fmt.Errorf("judge: marshal run-judged signal: %w", err)
	}
	if err := j.Queue.Enqueue(ctx, j.SignalQueueName, payload); err != nil {
		return apperr.Transient("emit run-judged signal", err)
	}
	metrics.CompletionSignalsTotal.Inc()
	metrics.EnqueuesTotal.WithLabelValues(j.SignalQueueName).Inc()
	log.WithField("turns", turns).Info("run fully judged, signal emitted")
	return nil
}
