package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	exists, err := m.Exists(ctx, "raw/runs/run-1/turn_000")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Get(ctx, "raw/runs/run-1/turn_000")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "raw/runs/run-1/turn_000", []byte(`{"turn":0}`)))
	exists, err = m.Exists(ctx, "raw/runs/run-1/turn_000")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := m.Get(ctx, "raw/runs/run-1/turn_000")
	require.NoError(t, err)
	assert.Equal(t, `{"turn":0}`, string(data))
}

func TestMemoryCopiesOnWriteAndRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	payload := []byte("immutable")
	require.NoError(t, m.Put(ctx, "k", payload))
	payload[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(got))

	got[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "immutable", string(again))
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "manifests/mnf_abc", ManifestPath("mnf_abc"))
	assert.Equal(t, "raw/runs/run-1/turn_003", TurnPath("run-1", "003"))
	assert.Equal(t, "raw/runs/run-1/judge_003", JudgmentPath("run-1", "003"))
	assert.Equal(t, "curated/runs/run-1", CuratedRunPath("run-1"))
	assert.Equal(t, "curated/weekly/2025-W11/model-m", CuratedWeeklyPath("2025-W11", "model-m"))
}
