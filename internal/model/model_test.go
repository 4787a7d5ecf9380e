package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfiguration() ActiveConfiguration {
	return ActiveConfiguration{
		Models: []ModelDescriptor{
			{ModelID: "model-b", Parameters: map[string]interface{}{"temperature": 0.2, "top_p": 0.9}},
			{ModelID: "model-a"},
		},
		Scenarios:     []string{"scenario-2", "scenario-1"},
		RubricVersion: "heuristic/v1",
		Parameters:    GlobalParameters{TurnCap: 5, JudgeModelID: "judge-j"},
	}
}

func TestManifestIDDeterminism(t *testing.T) {
	a, err := ManifestID(sampleConfiguration())
	require.NoError(t, err)
	b, err := ManifestID(sampleConfiguration())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// List order is significant: a reordered model set is a different
	// configuration and must address a different manifest.
	reordered := sampleConfiguration()
	reordered.Models[0], reordered.Models[1] = reordered.Models[1], reordered.Models[0]
	c, err := ManifestID(reordered)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCanonicalizeSortsMapKeys(t *testing.T) {
	canon, err := Canonicalize(map[string]interface{}{"zeta": 1, "alpha": 2, "mid": true})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":true,"zeta":1}`, string(canon))
}

func TestCanonicalizeRoundTrip(t *testing.T) {
	canon, err := Canonicalize(sampleConfiguration())
	require.NoError(t, err)

	// Canonicalize(parse(serialize(config))) == serialize(config).
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(canon, &parsed))
	again, err := Canonicalize(parsed)
	require.NoError(t, err)
	assert.Equal(t, string(canon), string(again))
}

func TestCanonicalNumberFormatting(t *testing.T) {
	canon, err := Canonicalize(map[string]interface{}{"whole": 5.0, "fraction": 0.25})
	require.NoError(t, err)
	assert.Equal(t, `{"fraction":0.25,"whole":5}`, string(canon))
}

func TestRunIDDeterminism(t *testing.T) {
	createdAt := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	a := RunID(createdAt, "mnf_x", "model-a", "scenario-1")
	b := RunID(createdAt, "mnf_x", "model-a", "scenario-1")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, RunID(createdAt, "mnf_x", "model-a", "scenario-2"))
	assert.NotEqual(t, a, RunID(createdAt, "mnf_x", "model-b", "scenario-1"))
	assert.NotEqual(t, a, RunID(createdAt, "mnf_y", "model-a", "scenario-1"))

	// Time-sortable prefix: a later manifest sorts after an earlier one.
	later := RunID(createdAt.Add(time.Hour), "mnf_x", "model-a", "scenario-1")
	assert.Greater(t, later, a)
}

func TestPeriodKey(t *testing.T) {
	assert.Equal(t, "2025-W11", PeriodKey(time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)))
	// ISO week years roll at year boundaries: 2024-12-30 belongs to 2025-W01.
	assert.Equal(t, "2025-W01", PeriodKey(time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)))
}

func TestZeroPadTurnIndex(t *testing.T) {
	assert.Equal(t, "000", ZeroPadTurnIndex(0))
	assert.Equal(t, "042", ZeroPadTurnIndex(42))
	assert.Equal(t, "100", ZeroPadTurnIndex(100))
}

func TestDimensionInRange(t *testing.T) {
	continuous := RubricDimension{Name: "questioning", ScoreType: ScoreContinuous01}
	assert.True(t, continuous.InRange(0))
	assert.True(t, continuous.InRange(1))
	assert.False(t, continuous.InRange(1.1))
	assert.False(t, continuous.InRange(-0.1))

	boolean := RubricDimension{Name: "well_formed", ScoreType: ScoreBoolean}
	assert.True(t, boolean.InRange(0))
	assert.True(t, boolean.InRange(1))
	assert.False(t, boolean.InRange(0.5))

	count := RubricDimension{Name: "question_count", ScoreType: ScoreCount, Low: 0, High: 100}
	assert.True(t, count.InRange(7))
	assert.False(t, count.InRange(101))
}
