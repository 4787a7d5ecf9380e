// Package jobs defines the JSON payload shapes carried by the dialogue
// queue, the judgment queue, and the run-judged signal bus.
// Centralizing them here keeps Planner/Runner/Judge/Curator from importing
// one another just to share a struct literal.
package jobs

import "encoding/json"

// DialogueJob is the payload enqueued by the Planner and consumed by the
// Runner: one per (model, scenario) pair of a Manifest.
type DialogueJob struct {
	RunID      string `json:"run_id"`
	ManifestID string `json:"manifest_id"`
	ModelID    string `json:"model_id"`
	ScenarioID string `json:"scenario_id"`
}

func (j DialogueJob) Marshal() ([]byte, error) { return json.Marshal(j) }

func UnmarshalDialogueJob(data []byte) (DialogueJob, error) {
	var j DialogueJob
	err := json.Unmarshal(data, &j)
	return j, err
}

// JudgeJob is the payload enqueued by the Runner and consumed by the Judge:
// one per persisted Turn.
type JudgeJob struct {
	RunID     string `json:"run_id"`
	TurnIndex int    `json:"turn_index"`
}

func (j JudgeJob) Marshal() ([]byte, error) { return json.Marshal(j) }

func UnmarshalJudgeJob(data []byte) (JudgeJob, error) {
	var j JudgeJob
	err := json.Unmarshal(data, &j)
	return j, err
}

// RunJudgedSignal is the broadcast payload emitted by the Judge's
// completion detection and consumed by the Curator.
type RunJudgedSignal struct {
	RunID string `json:"run_id"`
}

func (s RunJudgedSignal) Marshal() ([]byte, error) { return json.Marshal(s) }

func UnmarshalRunJudgedSignal(data []byte) (RunJudgedSignal, error) {
	var s RunJudgedSignal
	err := json.Unmarshal(data, &s)
	return s, err
}
