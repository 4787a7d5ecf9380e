package curator

import (
	"sort"
	"time"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

// ComputeRunSummary aggregates a Run's Turns and Judgments into a
// RunSummary. It is a pure function of its arguments: aggregated_at is
// derived from the newest input timestamp rather than the wall clock, so
// recomputation from the same inputs yields an identical summary and an
// identical curated artifact.
//
// Compliance is evaluated over the numeric dimensions that declare a
// threshold; boolean dimensions feed violation_rate instead (a turn is a
// violation when any boolean dimension scored false).
func ComputeRunSummary(run model.Run, turns []model.Turn, judgments []model.Judgment, r model.Rubric) model.RunSummary {
	byIndex := make(map[int]model.Judgment, len(judgments))
	var newest time.Time
	for _, j := range judgments {
		byIndex[j.TurnIndex] = j
		if j.CreatedAt.After(newest) {
			newest = j.CreatedAt
		}
	}

	summary := model.RunSummary{
		RunID:            run.RunID,
		ModelID:          run.ModelID,
		ScenarioID:       run.ScenarioID,
		TurnCount:        len(turns),
		Dimensions:       make(map[string]model.DimensionSummary),
		FirstFailureTurn: len(turns),
		AggregatedAt:     newest,
	}

	type acc struct {
		sum, min, max float64
		n             int
	}
	dims := make(map[string]*acc)

	compliantTurns := 0
	violations := 0
	firstFailure := len(turns)

	for _, t := range turns {
		summary.TotalInputTokens += t.InputTokenCount
		summary.TotalOutputTokens += t.OutputTokenCount
		if t.CreatedAt.After(newest) {
			newest = t.CreatedAt
		}

		j, ok := byIndex[t.TurnIndex]
		if !ok {
			continue
		}

		for name, value := range j.RubricScores {
			a, exists := dims[name]
			if !exists {
				a = &acc{min: value, max: value}
				dims[name] = a
			}
			a.sum += value
			a.n++
			if value < a.min {
				a.min = value
			}
			if value > a.max {
				a.max = value
			}
		}

		compliant := true
		for _, dim := range r.Dimensions {
			if dim.ScoreType == model.ScoreBoolean || dim.Threshold <= 0 {
				continue
			}
			if value, scored := j.RubricScores[dim.Name]; scored && value < dim.Threshold {
				compliant = false
			}
		}
		if compliant {
			compliantTurns++
		} else if t.TurnIndex < firstFailure {
			firstFailure = t.TurnIndex
		}

		for _, wellFormed := range j.BooleanScores {
			if !wellFormed {
				violations++
				break
			}
		}
	}

	for name, a := range dims {
		summary.Dimensions[name] = model.DimensionSummary{
			Mean: a.sum / float64(a.n),
			Min:  a.min,
			Max:  a.max,
		}
	}
	if len(turns) > 0 {
		summary.ComplianceRate = float64(compliantTurns) / float64(len(turns))
		summary.ViolationRate = float64(violations) / float64(len(turns))
	}
	summary.FirstFailureTurn = firstFailure
	summary.AggregatedAt = newest
	return summary
}

// MergePeriodAggregate recomputes the Period Aggregate from scratch over
// the contributing Run Summaries. Because the contributor set is a set and
// the statistics are recomputed rather than incremented, the merge is
// commutative and duplicate-safe: any delivery order of any multiset of
// run-judged signals converges to the one-shot aggregate.
func MergePeriodAggregate(periodKey, modelID string, contributing []string, summaries []model.RunSummary) model.PeriodAggregate {
	ids := append([]string(nil), contributing...)
	sort.Strings(ids)

	pa := model.PeriodAggregate{
		PeriodKey:          periodKey,
		ModelID:            modelID,
		RunCount:           len(summaries),
		Dimensions:         make(map[string]model.DimensionSummary),
		ContributingRunIDs: ids,
	}

	if len(summaries) == 0 {
		return pa
	}

	type acc struct {
		meanSum, min, max float64
		n                 int
	}
	dims := make(map[string]*acc)
	var complianceSum float64
	var newest time.Time

	for _, rs := range summaries {
		complianceSum += rs.ComplianceRate
		if rs.AggregatedAt.After(newest) {
			newest = rs.AggregatedAt
		}
		for name, ds := range rs.Dimensions {
			a, exists := dims[name]
			if !exists {
				a = &acc{min: ds.Min, max: ds.Max}
				dims[name] = a
			}
			a.meanSum += ds.Mean
			a.n++
			if ds.Min < a.min {
				a.min = ds.Min
			}
			if ds.Max > a.max {
				a.max = ds.Max
			}
		}
	}

	for name, a := range dims {
		pa.Dimensions[name] = model.DimensionSummary{
			Mean: a.meanSum / float64(a.n),
			Min:  a.min,
			Max:  a.max,
		}
	}
	pa.ComplianceRateMean = complianceSum / float64(len(summaries))
	pa.LastUpdatedAt = newest
	return pa
}
