package rubric

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

// LLMAssistedV1 adds a structured-output Model Invoker call on top of the
// heuristic features. Scores are stored in each dimension's native range;
// any display rescaling is a read-path concern.
const LLMAssistedV1 = "llm-assisted/v1"

func LLMAssistedV1Rubric() model.Rubric {
	return model.Rubric{
		Version: LLMAssistedV1,
		Dimensions: []model.RubricDimension{
			{Name: "socratic_depth", ScoreType: model.ScoreContinuous01, Low: 0, High: 1, Threshold: 0.5},
			{Name: "scaffolding_quality", ScoreType: model.ScoreContinuous01, Low: 0, High: 1, Threshold: 0.5},
			{Name: "well_formed", ScoreType: model.ScoreBoolean, Threshold: 1},
		},
	}
}

// LLMAssistedScorer computes the heuristic text features (for
// heuristic_features parity with HeuristicScorer) and then asks the judge
// model to score the declared dimensions via a strictly structured JSON
// response. A response that fails to parse, or omits a declared dimension,
// yields a neutral/zero Result with Error set rather than a retry: the
// Judgment is persisted with the error flag and does not block run
// completion.
type LLMAssistedScorer struct {
	Invoker invoker.ModelInvoker
}

func (s LLMAssistedScorer) Score(ctx context.Context, r model.Rubric, turn model.Turn, priorTurns []model.Turn, judgeModelID string) (Result, error) {
	f := computeTextFeatures(turn.AIText)
	res := Result{
		RubricScores:      make(map[string]float64),
		BooleanScores:     make(map[string]bool),
		HeuristicFeatures: f.asMap(),
	}

	prompt := buildScoringPrompt(r, turn, priorTurns)
	resp, err := s.Invoker.Invoke(ctx, judgeModelID, prompt, nil)
	if err != nil {
		// The Model Invoker itself failing is a transient condition; the
		// handler fails and the message redelivers. Propagate rather than
		// swallow into a neutral score.
		return Result{}, err
	}

	parsed, parseErr := parseStructuredScores(resp.Text, r)
	if parseErr != nil {
		neutralFill(&res, r)
		res.Error = fmt.Sprintf("llm-assisted: %v", parseErr)
		return res, nil
	}

	res.RubricScores = parsed.numeric
	res.BooleanScores = parsed.boolean
	return res, nil
}

type parsedScores struct {
	numeric map[string]float64
	boolean map[string]bool
}

// parseStructuredScores parses text as a flat JSON object mapping dimension
// name to value and validates that every declared dimension is present and
// within its native range. Keys for undeclared dimensions are ignored.
func parseStructuredScores(text string, r model.Rubric) (parsedScores, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return parsedScores{}, fmt.Errorf("malformed structured response: %w", err)
	}

	out := parsedScores{numeric: make(map[string]float64), boolean: make(map[string]bool)}
	for _, dim := range r.Dimensions {
		val, ok := raw[dim.Name]
		if !ok {
			return parsedScores{}, fmt.Errorf("missing dimension %q", dim.Name)
		}
		if dim.ScoreType == model.ScoreBoolean {
			var b bool
			if err := json.Unmarshal(val, &b); err != nil {
				return parsedScores{}, fmt.Errorf("dimension %q: not a boolean: %w", dim.Name, err)
			}
			out.boolean[dim.Name] = b
			continue
		}
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			return parsedScores{}, fmt.Errorf("dimension %q: not a number: %w", dim.Name, err)
		}
		if !dim.InRange(f) {
			return parsedScores{}, fmt.Errorf("dimension %q: value %v out of declared range", dim.Name, f)
		}
		out.numeric[dim.Name] = f
	}
	return out, nil
}

func neutralFill(res *Result, r model.Rubric) {
	for _, dim := range r.Dimensions {
		if dim.ScoreType == model.ScoreBoolean {
			res.BooleanScores[dim.Name] = false
			continue
		}
		res.RubricScores[dim.Name] = 0
	}
}

func buildScoringPrompt(r model.Rubric, turn model.Turn, priorTurns []model.Turn) string {
	var b strings.Builder
	b.WriteString("You are scoring one turn of a Socratic tutoring dialogue.\n")
	b.WriteString("Respond with a single strict JSON object mapping each dimension name to its score, nothing else.\n")
	b.WriteString("Dimensions:\n")
	for _, dim := range r.Dimensions {
		switch dim.ScoreType {
		case model.ScoreBoolean:
			fmt.Fprintf(&b, "- %s: boolean\n", dim.Name)
		default:
			fmt.Fprintf(&b, "- %s: number in [%v, %v]\n", dim.Name, dim.Low, dim.High)
		}
	}
	if len(priorTurns) > 0 {
		b.WriteString("\nPrior turns:\n")
		for _, pt := range priorTurns {
			fmt.Fprintf(&b, "Student: %s\nAI: %s\n", pt.StudentText, pt.AIText)
		}
	}
	fmt.Fprintf(&b, "\nTurn to score:\nStudent: %s\nAI: %s\n", turn.StudentText, turn.AIText)
	return b.String()
}
