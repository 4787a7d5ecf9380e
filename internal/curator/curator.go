// Package curator consumes run-judged signals: it recomputes the Run
// Summary from the run's Turns and Judgments, persists it with a curated
// artifact, and folds the run into the weekly Period Aggregate. All output
// is a pure function of the inputs, so duplicate signals rewrite identical
// bytes and the aggregate converges regardless of delivery order.
package curator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/jobs"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/metrics"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/rubric"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/store"
)

// Curator is the signal-bus Processor.
type Curator struct {
	Store   *store.Store
	Rubrics *rubric.Registry
	Logger  *logrus.Entry
}

// curatedRunArtifact is the blob-tier shape of a curated run: the summary
// plus embedded per-turn detail for the external read API.
type curatedRunArtifact struct {
	Summary   model.RunSummary `json:"summary"`
	Turns     []curatedTurn    `json:"turns"`
	RubricVer string           `json:"rubric_version"`
}

type curatedTurn struct {
	TurnIndex     int                `json:"turn_index"`
	Student       string             `json:"student"`
	AI            string             `json:"ai"`
	RubricScores  map[string]float64 `json:"rubric_scores"`
	BooleanScores map[string]bool    `json:"boolean_scores"`
	JudgmentError string             `json:"judgment_error,omitempty"`
}

func (c *Curator) Process(ctx context.Context, msg *queue.Message) error {
	signal, err := jobs.UnmarshalRunJudgedSignal(msg.Payload)
	if err != nil {
		return fmt.Errorf("curator: unmarshal run-judged signal: %w", err)
	}
	return c.Curate(ctx, signal.RunID, false)
}

// Curate recomputes and persists the Run Summary and Period Aggregate for
// runID. With force set, the Turn/Judgment count validation is skipped:
// the operational backfill path for runs whose judge messages dead-lettered
// and will never converge on their own.
func (c *Curator) Curate(ctx context.Context, runID string, force bool) error {
	log := c.Logger.WithField("run_id", runID)

	run, found, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return apperr.Transient("load run", err)
	}
	if !found {
		return apperr.Transient("load run", fmt.Errorf("run %s not found", runID))
	}

	turns, err := c.Store.ListTurns(ctx, runID)
	if err != nil {
		return apperr.Transient("list turns", err)
	}
	judgments, err := c.Store.ListJudgments(ctx, runID)
	if err != nil {
		return apperr.Transient("list judgments", err)
	}

	if !force && len(turns) != len(judgments) {
		// Eventual consistency not yet converged; a later signal re-triggers
		// once the last Judgment lands.
		return apperr.Invariant("judgment totality",
			fmt.Sprintf("run %s has %d turns but %d judgments", runID, len(turns), len(judgments)))
	}
	if len(turns) == 0 {
		return apperr.Invariant("turn presence", fmt.Sprintf("run %s has no persisted turns", runID))
	}

	def, err := c.Rubrics.Get(run.RubricVersion)
	if err != nil {
		return fmt.Errorf("curator: %w", err)
	}

	summary := ComputeRunSummary(run, turns, judgments, def.Rubric)
	if err := c.Store.PutRunSummary(ctx, summary, buildCuratedArtifact(run, summary, turns, judgments)); err != nil {
		return apperr.Transient("persist run summary", err)
	}

	if err := c.upsertPeriodAggregate(ctx, run, summary); err != nil {
		return err
	}

	metrics.CurationSuccessesTotal.Inc()
	log.WithFields(logrus.Fields{
		"turn_count":      summary.TurnCount,
		"compliance_rate": summary.ComplianceRate,
	}).Info("run curated")
	return nil
}

// periodAggregateAttempts bounds the CAS retry loop below. Contention on
// one (period, model) key is limited by the Curator's own concurrency cap,
// so a handful of attempts is plenty; exhausting them fails the handler and
// the signal redelivers.
const periodAggregateAttempts = 5

// upsertPeriodAggregate folds the run into its (ISO week, model) roll-up.
// Two mechanisms make concurrent curations of distinct runs safe on the
// same key:
//
//   - The contributor set is discovered from ground truth on every attempt
//     (the period's Run records and their persisted Summaries), never grown
//     from the stored aggregate's own contributor list. Each Curator has
//     already persisted its run's Summary before reaching this point, so a
//     rescan always sees every run curated so far.
//   - The write is a versioned conditional update: a Curator that lost the
//     race gets a version mismatch instead of clobbering the winner, then
//     re-reads, re-scans, and re-merges.
func (c *Curator) upsertPeriodAggregate(ctx context.Context, run model.Run, summary model.RunSummary) error {
	periodKey := model.PeriodKey(run.CreatedAt)

	for attempt := 0; attempt < periodAggregateAttempts; attempt++ {
		_, version, _, err := c.Store.GetPeriodAggregate(ctx, periodKey, run.ModelID)
		if err != nil {
			return apperr.Transient("read period aggregate", err)
		}

		summaries, err := c.periodSummaries(ctx, periodKey, run.RunID, summary)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(summaries))
		for _, rs := range summaries {
			ids = append(ids, rs.RunID)
		}

		pa := MergePeriodAggregate(periodKey, run.ModelID, ids, summaries)
		written, err := c.Store.PutPeriodAggregate(ctx, pa, version)
		if err != nil {
			return apperr.Transient("persist period aggregate", err)
		}
		if written {
			return nil
		}
		c.Logger.WithFields(logrus.Fields{
			"period_key": periodKey,
			"model_id":   run.ModelID,
			"attempt":    attempt,
		}).Debug("period aggregate version moved, re-merging")
	}
	return apperr.Transient("persist period aggregate",
		fmt.Errorf("version conflict on %s/%s persisted across %d attempts", periodKey, run.ModelID, periodAggregateAttempts))
}

// periodSummaries collects the Run Summaries of every run of this model
// created in periodKey. The summary just computed for the current run is
// used directly; runs not yet curated have no Summary and are skipped (the
// signal that curates them will re-merge and pick them up).
func (c *Curator) periodSummaries(ctx context.Context, periodKey, currentRunID string, current model.RunSummary) ([]model.RunSummary, error) {
	runs, err := c.Store.RunsForModelInPeriod(ctx, periodKey, current.ModelID)
	if err != nil {
		return nil, apperr.Transient("enumerate period runs", err)
	}
	summaries := make([]model.RunSummary, 0, len(runs))
	for _, r := range runs {
		if r.RunID == currentRunID {
			summaries = append(summaries, current)
			continue
		}
		rs, found, err := c.Store.GetRunSummary(ctx, r.RunID)
		if err != nil {
			return nil, apperr.Transient("read contributing run summary", err)
		}
		if !found {
			continue
		}
		summaries = append(summaries, rs)
	}
	return summaries, nil
}

func buildCuratedArtifact(run model.Run, summary model.RunSummary, turns []model.Turn, judgments []model.Judgment) curatedRunArtifact {
	byIndex := make(map[int]model.Judgment, len(judgments))
	for _, j := range judgments {
		byIndex[j.TurnIndex] = j
	}
	artifact := curatedRunArtifact{
		Summary:   summary,
		Turns:     make([]curatedTurn, 0, len(turns)),
		RubricVer: run.RubricVersion,
	}
	for _, t := range turns {
		ct := curatedTurn{
			TurnIndex: t.TurnIndex,
			Student:   t.StudentText,
			AI:        t.AIText,
		}
		if j, ok := byIndex[t.TurnIndex]; ok {
			ct.RubricScores = j.RubricScores
			ct.BooleanScores = j.BooleanScores
			ct.JudgmentError = j.Error
		}
		artifact.Turns = append(artifact.Turns, ct)
	}
	return artifact
}
