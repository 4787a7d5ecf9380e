package rubric

import (
	"context"
	"strings"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

// HeuristicV1 is the pure-text-feature rubric version: one continuous
// [0,1] score, one boolean, one raw count.
const HeuristicV1 = "heuristic/v1"

// HeuristicV1Rubric declares a continuous "questioning" score, a boolean
// "well_formed" well-formedness check (the violation_rate input of the Run
// Summary), and a raw "question_count".
func HeuristicV1Rubric() model.Rubric {
	return model.Rubric{
		Version: HeuristicV1,
		Dimensions: []model.RubricDimension{
			{Name: "questioning", ScoreType: model.ScoreContinuous01, Low: 0, High: 1, Threshold: 0.5},
			{Name: "well_formed", ScoreType: model.ScoreBoolean, Threshold: 1},
			{Name: "question_count", ScoreType: model.ScoreCount, Low: 0, High: 1e9},
		},
	}
}

var opennessWords = []string{"what", "why", "how", "describe", "explain", "consider", "imagine"}
var directivenessWords = []string{"should", "must", "need to", "have to", "required"}

type textFeatures struct {
	EndsWithQuestion  bool
	QuestionCount     int
	WordCount         int
	OpennessHits      int
	DirectivenessHits int
}

func computeTextFeatures(text string) textFeatures {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	f := textFeatures{
		EndsWithQuestion: strings.HasSuffix(trimmed, "?"),
		QuestionCount:    strings.Count(text, "?"),
		WordCount:        len(strings.Fields(text)),
	}
	for _, w := range opennessWords {
		f.OpennessHits += strings.Count(lower, w)
	}
	for _, w := range directivenessWords {
		f.DirectivenessHits += strings.Count(lower, w)
	}
	return f
}

func (f textFeatures) asMap() map[string]interface{} {
	return map[string]interface{}{
		"ends_with_question": f.EndsWithQuestion,
		"question_count":     f.QuestionCount,
		"word_count":         f.WordCount,
		"openness_hits":      f.OpennessHits,
		"directiveness_hits": f.DirectivenessHits,
	}
}

// HeuristicScorer is a deterministic, pure function of Turn.AIText. No
// Model Invoker call, numeric from text features only.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, r model.Rubric, turn model.Turn, _ []model.Turn, _ string) (Result, error) {
	f := computeTextFeatures(turn.AIText)

	res := Result{
		RubricScores:      make(map[string]float64),
		BooleanScores:     make(map[string]bool),
		HeuristicFeatures: f.asMap(),
	}

	for _, dim := range r.Dimensions {
		switch dim.ScoreType {
		case model.ScoreBoolean:
			res.BooleanScores[dim.Name] = scoreBooleanDimension(dim.Name, f)
		default:
			res.RubricScores[dim.Name] = scoreNumericDimension(dim, f)
		}
	}
	return res, nil
}

func scoreBooleanDimension(name string, f textFeatures) bool {
	switch {
	case strings.Contains(name, "well_formed"):
		return f.WordCount > 0 && (f.EndsWithQuestion || f.DirectivenessHits > 0)
	case strings.Contains(name, "question"):
		return f.EndsWithQuestion
	default:
		return f.WordCount > 0
	}
}

func scoreNumericDimension(dim model.RubricDimension, f textFeatures) float64 {
	switch {
	case strings.Contains(dim.Name, "question"):
		switch dim.ScoreType {
		case model.ScoreCount:
			return float64(f.QuestionCount)
		default:
			if f.EndsWithQuestion {
				return 1.0
			}
			if f.QuestionCount > 0 {
				return 0.5
			}
			return 0.0
		}
	case strings.Contains(dim.Name, "open"):
		return clamp01(float64(f.OpennessHits) / 3.0)
	case strings.Contains(dim.Name, "direct"):
		return clamp01(float64(f.DirectivenessHits) / 3.0)
	default:
		if dim.ScoreType == model.ScoreCount {
			return float64(f.WordCount)
		}
		return clamp01(float64(f.WordCount) / 20.0)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
