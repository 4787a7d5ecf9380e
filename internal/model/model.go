// Package model defines the pipeline's data model (Manifest, Run, Turn,
// Judgment, RunSummary, PeriodAggregate, Rubric) plus the canonical
// serialization used for content addressing. The manifest hash, the manifest
// artifact, and the curated run and Period Aggregate artifacts all go
// through the same canonical form so equal values always produce equal
// bytes.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// RunStatus enumerates the monotonic lifecycle of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ModelDescriptor names a model under test plus its invocation parameters.
type ModelDescriptor struct {
	ModelID    string                 `json:"model_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

// GlobalParameters are the manifest-wide knobs (turn cap, judge model,
// sampling temperature, seeds) that apply to every Run derived from a
// Manifest.
type GlobalParameters struct {
	TurnCap      int    `json:"turn_cap"`
	JudgeModelID string `json:"judge_model_id"`
	Temperature  float64 `json:"temperature,omitempty"`
	Seed         int64   `json:"seed,omitempty"`
}

// Manifest is the immutable, content-addressed snapshot of a benchmark
// configuration: equal configurations always derive the equal id.
type Manifest struct {
	ManifestID   string            `json:"manifest_id"`
	CreatedAt    time.Time         `json:"created_at"`
	ModelSet     []ModelDescriptor `json:"model_set"`
	ScenarioSet  []string          `json:"scenario_set"`
	RubricVersion string           `json:"rubric_version"`
	Parameters   GlobalParameters  `json:"parameters"`
}

// Run is one (manifest, model, scenario) execution instance.
type Run struct {
	RunID            string    `json:"run_id"`
	ManifestID       string    `json:"manifest_id"`
	ModelID          string    `json:"model_id"`
	ScenarioID       string    `json:"scenario_id"`
	RubricVersion    string    `json:"rubric_vector"`
	Status           RunStatus `json:"status"`
	TurnCountTarget  int       `json:"turn_count_target"`
	TurnCountActual  int       `json:"turn_count_actual"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Error            string    `json:"error,omitempty"`
}

// Turn is one (student, AI) exchange within a Run.
type Turn struct {
	RunID           string    `json:"run_id"`
	TurnIndex       int       `json:"turn_index"`
	Persona         string    `json:"persona"`
	StudentText     string    `json:"student"`
	AIText          string    `json:"ai"`
	InputTokenCount int       `json:"input_tokens"`
	OutputTokenCount int      `json:"output_tokens"`
	LatencyMS       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
	BlobPointer     string    `json:"blob_pointer"`
}

// Judgment is the rubric-scored evaluation of one Turn.
type Judgment struct {
	RunID             string             `json:"run_id"`
	TurnIndex         int                `json:"turn_index"`
	RubricScores      map[string]float64 `json:"rubric_scores"`
	BooleanScores     map[string]bool    `json:"boolean_scores"`
	HeuristicFeatures map[string]interface{} `json:"heuristic_features"`
	JudgeModelID      string             `json:"judge_model_id"`
	JudgeLatencyMS    int64              `json:"judge_latency_ms"`
	CreatedAt         time.Time          `json:"created_at"`
	Error             string             `json:"error,omitempty"`
	BlobPointer       string             `json:"blob_pointer"`
}

// DimensionSummary is the per-dimension aggregate (mean/min/max) carried by
// a RunSummary and, after averaging across runs, a PeriodAggregate.
type DimensionSummary struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// RunSummary aggregates a completed Run's Turns and Judgments.
type RunSummary struct {
	RunID             string                      `json:"run_id"`
	ModelID           string                      `json:"model_id"`
	ScenarioID        string                      `json:"scenario_id"`
	TurnCount         int                         `json:"turn_count"`
	Dimensions        map[string]DimensionSummary `json:"dimensions"`
	ComplianceRate    float64                     `json:"compliance_rate"`
	FirstFailureTurn  int                         `json:"first_failure_turn"`
	ViolationRate     float64                     `json:"violation_rate"`
	TotalInputTokens  int                         `json:"total_input_tokens"`
	TotalOutputTokens int                         `json:"total_output_tokens"`
	AggregatedAt      time.Time                   `json:"aggregated_at"`
}

// PeriodAggregate is the roll-up over an ISO week for one model.
// The contributing run_id set is the recompute basis: means are derived
// from scratch from the RunSummaries of the contributing runs, which makes
// the merge commutative and duplicate-safe.
type PeriodAggregate struct {
	PeriodKey           string                      `json:"period_key"`
	ModelID             string                      `json:"model_id"`
	RunCount            int                         `json:"run_count"`
	Dimensions          map[string]DimensionSummary `json:"dimensions"`
	ComplianceRateMean  float64                     `json:"compliance_rate_mean"`
	LastUpdatedAt       time.Time                   `json:"last_updated_at"`
	ContributingRunIDs  []string                    `json:"contributing_run_ids"`
}

// ScoreType enumerates the native ranges a Rubric dimension may declare.
type ScoreType string

const (
	ScoreContinuous01 ScoreType = "continuous_0_1"
	ScoreInteger      ScoreType = "integer"
	ScoreBoolean      ScoreType = "boolean"
	ScoreCount        ScoreType = "count"
)

// RubricDimension is one scored axis of a Rubric.
type RubricDimension struct {
	Name      string    `json:"name"`
	ScoreType ScoreType `json:"score_type"`
	Low       float64   `json:"low,omitempty"`
	High      float64   `json:"high,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Weight    float64   `json:"weight,omitempty"`
}

// Rubric is a versioned descriptor enumerating scoring dimensions.
type Rubric struct {
	Version    string            `json:"version"`
	Dimensions []RubricDimension `json:"dimensions"`
}

// InRange reports whether value is within the dimension's declared native
// range.
func (d RubricDimension) InRange(value float64) bool {
	switch d.ScoreType {
	case ScoreContinuous01:
		return value >= 0 && value <= 1
	case ScoreBoolean:
		return value == 0 || value == 1
	case ScoreInteger, ScoreCount:
		return value >= d.Low && value <= d.High
	default:
		return false
	}
}

// ActiveConfiguration is the JSON document read from the blob tier's
// well-known path.
type ActiveConfiguration struct {
	Models        []ModelDescriptor `json:"models"`
	Scenarios     []string          `json:"scenarios"`
	RubricVersion string            `json:"rubric_version"`
	Parameters    GlobalParameters  `json:"parameters"`
}

// Canonicalize produces the stable byte form used for content addressing:
// map keys sorted lexicographically, declared list order preserved,
// numbers as formatNumber renders them, no insignificant whitespace. The
// same function backs manifest hashing, round-trip verification, and the
// curated run and Period Aggregate artifacts.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case float64:
		b.WriteString(formatNumber(val))
	case string:
		sb, _ := json.Marshal(val)
		b.Write(sb)
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case nil:
		b.WriteString("null")
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// formatNumber renders a float64 with fixed-point formatting when it is a
// whole number, and the shortest round-trippable decimal otherwise. One
// numeric encoding everywhere: never strings, never mixed formats.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// hash returns the blake2b-256 digest of data, hex-encoded.
func hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// ManifestID computes manifest_id as a hash of the canonical
// serialization, so identical configuration always yields identical id.
func ManifestID(cfg ActiveConfiguration) (string, error) {
	canon, err := Canonicalize(cfg)
	if err != nil {
		return "", err
	}
	return "mnf_" + hash(canon), nil
}

// RunID derives a deterministic, time-sortable-prefixed run_id from
// manifest_id, model_id, and scenario_id. The prefix is the manifest's
// creation time formatted to the second so ids sort close to creation order
// without making the id non-deterministic; the suffix is a content hash of
// the triple so re-invocation with the same inputs never duplicates a Run.
func RunID(manifestCreatedAt time.Time, manifestID, modelID, scenarioID string) string {
	prefix := manifestCreatedAt.UTC().Format("20060102150405")
	suffix := hash([]byte(manifestID + "|" + modelID + "|" + scenarioID))
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	return "run_" + prefix + "_" + suffix
}

// PeriodKey returns the ISO 8601 week identifier (YYYY-Www) for t.
func PeriodKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// ZeroPadTurnIndex renders a turn index as a fixed three-digit string so
// lexical sort equals numeric sort up to the turn cap.
func ZeroPadTurnIndex(i int) string {
	return fmt.Sprintf("%03d", i)
}
