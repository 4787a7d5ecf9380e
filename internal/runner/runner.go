// Package runner consumes dialogue-queue messages and drives each run's
// dialogue to completion turn by turn: invoke the model, persist the Turn,
// enqueue its judge job, advance. Redelivery is safe because every Turn
// write is conditional on absence and the loop resumes from the first turn
// index not yet persisted, so an already-persisted turn is never
// re-invoked.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/jobs"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/scenario"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
)

// Runner is the dialogue-queue Processor. Instances are independent; all
// coordination between concurrent deliveries of the same run goes through
// the store's conditional writes.
type Runner struct {
	Store             *store.Store
	Queue             queue.Queue
	Scenarios         scenario.Registry
	Invoker           invoker.ModelInvoker
	Student           StudentStrategy
	JudgmentQueueName string
	Logger            *logrus.Entry

	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) Process(ctx context.Context, msg *queue.Message) error {
	job, err := jobs.UnmarshalDialogueJob(msg.Payload)
	if err != nil {
		return fmt.Errorf("runner: unmarshal dialogue job: %w", err)
	}
	log := r.Logger.WithField("run_id", job.RunID)

	run, found, err := r.Store.GetRun(ctx, job.RunID)
	if err != nil {
		return apperr.Transient("load run", err)
	}
	if !found {
		// The Planner's conditional create commits before the enqueue, so an
		// absent record means the index read raced a very fresh write.
		return apperr.Transient("load run", fmt.Errorf("run %s not found", job.RunID))
	}

	switch run.Status {
	case model.RunPending, model.RunRunning:
		// Redelivery of a pending or in-flight run resumes below.
	case model.RunCompleted:
		log.Debug("run already completed, dropping redelivery")
		return nil
	case model.RunFailed:
		// A redelivered failed run is retried: its status goes back to
		// running below, giving transient upstream failures a chance to
		// clear.
		log.WithField("error", run.Error).Debug("retrying previously failed run")
	}

	sc, err := r.Scenarios.Get(ctx, job.ScenarioID)
	if err != nil {
		return r.failRun(ctx, run, fmt.Errorf("resolve scenario %s: %w", job.ScenarioID, err))
	}

	manifest, found, err := r.Store.GetManifest(ctx, run.ManifestID)
	if err != nil || !found {
		return apperr.Transient("load manifest", fmt.Errorf("manifest %s: found=%v: %w", run.ManifestID, found, err))
	}

	target := sc.TurnCountTarget
	if turnCap := manifest.Parameters.TurnCap; turnCap > 0 && target > turnCap {
		target = turnCap
	}
	if target <= 0 {
		target = 1
	}

	run.Status = model.RunRunning
	run.TurnCountTarget = target
	run.Error = ""
	run.UpdatedAt = r.now()
	if err := r.Store.PutRun(ctx, run); err != nil {
		return apperr.Transient("mark run running", err)
	}

	if err := r.dialogueLoop(ctx, log, run, sc, manifest, target); err != nil {
		return r.failRun(ctx, run, err)
	}

	run.Status = model.RunCompleted
	run.TurnCountActual = target
	run.UpdatedAt = r.now()
	if err := r.Store.PutRun(ctx, run); err != nil {
		return apperr.Transient("mark run completed", err)
	}
	log.WithField("turns", target).Info("run completed")
	return nil
}

// dialogueLoop generates and persists every turn index not yet stored, in
// order, enqueuing a judge job after each persisted turn.
func (r *Runner) dialogueLoop(ctx context.Context, log *logrus.Entry, run model.Run, sc scenario.Descriptor, manifest model.Manifest, target int) error {
	history, err := r.Store.ListTurns(ctx, run.RunID)
	if err != nil {
		return apperr.Transient("list persisted turns", err)
	}

	params := r.modelParameters(manifest, run.ModelID)

	for t := len(history); t < target; t++ {
		studentText, err := r.Student.NextUtterance(ctx, sc, history)
		if err != nil {
			return fmt.Errorf("student utterance for turn %d: %w", t, err)
		}

		prompt := buildPrompt(sc, history, studentText)
		resp, err := r.Invoker.Invoke(ctx, run.ModelID, prompt, params)
		if err != nil {
			return fmt.Errorf("invoke model for turn %d: %w", t, err)
		}

		turn := model.Turn{
			RunID:            run.RunID,
			TurnIndex:        t,
			Persona:          sc.Persona,
			StudentText:      studentText,
			AIText:           resp.Text,
			InputTokenCount:  resp.InputTokens,
			OutputTokenCount: resp.OutputTokens,
			LatencyMS:        resp.Latency.Milliseconds(),
			CreatedAt:        r.now(),
		}
		written, err := r.Store.PutTurn(ctx, turn)
		if err != nil {
			return apperr.Transient("persist turn", err)
		}
		if !written {
			// A concurrent delivery persisted this index first; its copy is
			// authoritative, so reload it before extending the history.
			stored, found, err := r.Store.GetTurn(ctx, run.RunID, t)
			if err != nil || !found {
				return apperr.Transient("reload turn after lost race", err)
			}
			turn = stored
			log.WithField("turn_index", t).Debug("turn already persisted by concurrent delivery")
		}

		// Enqueue strictly after the index write committed, so the Judge
		// never receives a job for a turn it cannot load durably.
		judgeJob := jobs.JudgeJob{RunID: run.RunID, TurnIndex: t}
		payload, err := judgeJob.Marshal()
		if err != nil {
			return fmt.Errorf("marshal judge job: %w", err)
		}
		if err := r.Queue.Enqueue(ctx, r.JudgmentQueueName, payload); err != nil {
			return apperr.Transient("enqueue judge job", err)
		}
		metrics.EnqueuesTotal.WithLabelValues(r.JudgmentQueueName).Inc()

		history = append(history, turn)
	}
	return nil
}

func (r *Runner) modelParameters(manifest model.Manifest, modelID string) map[string]interface{} {
	for _, md := range manifest.ModelSet {
		if md.ModelID == modelID {
			return md.Parameters
		}
	}
	return nil
}

// failRun records the failure on the Run and returns an error so the
// message redelivers up to its limit; a redelivery resumes the run. Judge jobs already enqueued for
// persisted turns stay valid; their judgments are still wanted.
func (r *Runner) failRun(ctx context.Context, run model.Run, cause error) error {
	run.Status = model.RunFailed
	run.Error = cause.Error()
	run.UpdatedAt = r.now()
	if err := r.Store.PutRun(ctx, run); err != nil {
		r.Logger.WithError(err).WithField("run_id", run.RunID).Error("failed to record run failure")
	}
	return cause
}

const systemPromptTemplate = "You are a Socratic tutor. Guide the student with questions rather than answers. Persona of the student you are tutoring: %s"

// buildPrompt assembles the system prompt template, the accumulated
// dialogue history, and the pending student utterance into the next model
// prompt.
func buildPrompt(sc scenario.Descriptor, history []model.Turn, studentText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, systemPromptTemplate, sc.Persona)
	b.WriteString("\n\n")
	for _, t := range history {
		fmt.Fprintf(&b, "Student: %s\nTutor: %s\n", t.StudentText, t.AIText)
	}
	fmt.Fprintf(&b, "Student: %s\nTutor:", studentText)
	return b.String()
}
