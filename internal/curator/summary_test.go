package curator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

func testRubric() model.Rubric {
	return model.Rubric{
		Version: "heuristic/v1",
		Dimensions: []model.RubricDimension{
			{Name: "questioning", ScoreType: model.ScoreContinuous01, Threshold: 0.5},
			{Name: "well_formed", ScoreType: model.ScoreBoolean, Threshold: 1},
		},
	}
}

func runWithScores(runID string, scores []float64) (model.Run, []model.Turn, []model.Judgment) {
	run := model.Run{RunID: runID, ModelID: "model-m", ScenarioID: "scenario-s", Status: model.RunCompleted}
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	turns := make([]model.Turn, len(scores))
	judgments := make([]model.Judgment, len(scores))
	for i, score := range scores {
		turns[i] = model.Turn{
			RunID: runID, TurnIndex: i,
			InputTokenCount: 10, OutputTokenCount: 5,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		judgments[i] = model.Judgment{
			RunID: runID, TurnIndex: i,
			RubricScores:  map[string]float64{"questioning": score},
			BooleanScores: map[string]bool{"well_formed": true},
			CreatedAt:     base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
	}
	return run, turns, judgments
}

func TestMixedComplianceAggregation(t *testing.T) {
	runA, turnsA, judgmentsA := runWithScores("run-a", []float64{0.9, 0.9, 0.2})
	runB, turnsB, judgmentsB := runWithScores("run-b", []float64{0.8, 0.6})

	summaryA := ComputeRunSummary(runA, turnsA, judgmentsA, testRubric())
	assert.InDelta(t, 0.6667, summaryA.Dimensions["questioning"].Mean, 1e-4)
	assert.InDelta(t, 2.0/3.0, summaryA.ComplianceRate, 1e-9)
	assert.Equal(t, 2, summaryA.FirstFailureTurn)
	assert.Equal(t, 0.2, summaryA.Dimensions["questioning"].Min)
	assert.Equal(t, 0.9, summaryA.Dimensions["questioning"].Max)

	summaryB := ComputeRunSummary(runB, turnsB, judgmentsB, testRubric())
	assert.InDelta(t, 0.7, summaryB.Dimensions["questioning"].Mean, 1e-9)
	assert.Equal(t, 1.0, summaryB.ComplianceRate)
	assert.Equal(t, 2, summaryB.FirstFailureTurn, "no failure means first_failure_turn equals turn_count")

	pa := MergePeriodAggregate("2025-W11", "model-m",
		[]string{"run-a", "run-b"}, []model.RunSummary{summaryA, summaryB})
	assert.Equal(t, 2, pa.RunCount)
	assert.InDelta(t, (0.6667+0.7)/2, pa.Dimensions["questioning"].Mean, 1e-4)
	assert.InDelta(t, (2.0/3.0+1.0)/2, pa.ComplianceRateMean, 1e-9)
}

func TestSummaryIsPureFunctionOfInputs(t *testing.T) {
	run, turns, judgments := runWithScores("run-a", []float64{0.9, 0.4})

	first := ComputeRunSummary(run, turns, judgments, testRubric())
	second := ComputeRunSummary(run, turns, judgments, testRubric())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, first.FirstFailureTurn)
	assert.InDelta(t, 0.5, first.ComplianceRate, 1e-9)
	assert.Equal(t, judgments[1].CreatedAt, first.AggregatedAt, "aggregated_at derives from inputs, not the clock")
}

func TestViolationRateCountsFalseBooleans(t *testing.T) {
	run, turns, judgments := runWithScores("run-a", []float64{0.9, 0.9})
	judgments[1].BooleanScores["well_formed"] = false

	summary := ComputeRunSummary(run, turns, judgments, testRubric())
	assert.InDelta(t, 0.5, summary.ViolationRate, 1e-9)
	assert.Equal(t, 1.0, summary.ComplianceRate, "booleans feed violation_rate, not compliance")
}

// P7: any merge order over the same contributor set converges to the
// one-shot aggregate.
func TestPeriodAggregateConvergence(t *testing.T) {
	runA, turnsA, judgmentsA := runWithScores("run-a", []float64{0.9})
	runB, turnsB, judgmentsB := runWithScores("run-b", []float64{0.5})
	summaryA := ComputeRunSummary(runA, turnsA, judgmentsA, testRubric())
	summaryB := ComputeRunSummary(runB, turnsB, judgmentsB, testRubric())

	oneShot := MergePeriodAggregate("2025-W11", "model-m",
		[]string{"run-a", "run-b"}, []model.RunSummary{summaryA, summaryB})
	reversed := MergePeriodAggregate("2025-W11", "model-m",
		[]string{"run-b", "run-a"}, []model.RunSummary{summaryB, summaryA})
	assert.Equal(t, oneShot, reversed)
	assert.Equal(t, []string{"run-a", "run-b"}, oneShot.ContributingRunIDs)

	// Duplicate application of an already-contributing run changes nothing.
	again := MergePeriodAggregate("2025-W11", "model-m",
		oneShot.ContributingRunIDs, []model.RunSummary{summaryA, summaryB})
	assert.Equal(t, oneShot, again)
}
