// Package rubric implements versioned rubric dispatch: the Judge never
// hard-codes "the rubric," it looks up a Definition by rubric_version and
// calls its Scorer. Two generations ship: a pure-heuristic text-feature
// scorer and an LLM-assisted scorer that adds a structured-output call to
// the Model Invoker.
package rubric

import (
	"context"
	"fmt"
	"sync"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/invoker"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
)

// Result is what a Scorer produces for one Turn. Exactly one of
// RubricScores/BooleanScores holds each declared dimension, split by
// ScoreType; HeuristicFeatures always carries the pure text-derived
// features regardless of score type, independent of the scored dimensions.
type Result struct {
	RubricScores      map[string]float64
	BooleanScores     map[string]bool
	HeuristicFeatures map[string]interface{}
	// Error is set when scoring could not produce valid dimension values
	// (e.g. LLM-assisted parse failure). The caller persists the Judgment
	// anyway, with neutral/zero scores.
	Error string
}

// Scorer computes a Result for one Turn against a Rubric. priorTurns gives
// context-sensitive dimensions the preceding turns of the same run, never
// prior Judgments. A score must not depend on other scores; trajectory
// metrics belong to the Curator, which sees the full ordered Judgment
// list.
type Scorer interface {
	Score(ctx context.Context, r model.Rubric, turn model.Turn, priorTurns []model.Turn, judgeModelID string) (Result, error)
}

// Definition bundles a Rubric's declared dimensions with the Scorer that
// knows how to evaluate them; a rubric_version names both at once.
type Definition struct {
	Rubric model.Rubric
	Scorer Scorer
}

// Registry maps rubric_version to a Definition.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

func (r *Registry) Register(version string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[version] = def
}

func (r *Registry) Get(version string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[version]
	if !ok {
		return Definition{}, fmt.Errorf("rubric: unknown rubric_version %q", version)
	}
	return def, nil
}

// NewDefaultRegistry registers the two shipped rubric generations.
func NewDefaultRegistry(inv invoker.ModelInvoker) *Registry {
	reg := NewRegistry()
	reg.Register(HeuristicV1, Definition{
		Rubric: HeuristicV1Rubric(),
		Scorer: HeuristicScorer{},
	})
	reg.Register(LLMAssistedV1, Definition{
		Rubric: LLMAssistedV1Rubric(),
		Scorer: LLMAssistedScorer{Invoker: inv},
	})
	return reg
}
