package planner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/apperr"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/blob"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/index"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/jobs"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/model"
	"github.com/socratic-ai-institute/socratic-ai-benchmarks-sub002/internal/queue"
)

func newTestPlanner(t *testing.T) (*Planner, *blob.Memory, queue.Queue) {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	q, err := queue.NewRedisQueue(ctx, "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	mem := blob.NewMemory()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	p := &Planner{
		Blob:              mem,
		Index:             idx,
		Queue:             q,
		DialogueQueueName: "dialogue",
		Logger:            logrus.NewEntry(logger),
		Now: func() time.Time {
			return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
		},
	}
	return p, mem, q
}

func writeConfig(t *testing.T, mem *blob.Memory, cfg model.ActiveConfiguration) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, mem.Put(context.Background(), blob.ActiveConfigPath, raw))
}

func TestMissingConfigurationIsHardError(t *testing.T) {
	p, _, _ := newTestPlanner(t)

	_, err := p.Trigger(context.Background(), false)
	var cerr *apperr.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestMalformedConfigurationIsHardError(t *testing.T) {
	p, mem, q := newTestPlanner(t)
	require.NoError(t, mem.Put(context.Background(), blob.ActiveConfigPath, []byte("{not json")))

	_, err := p.Trigger(context.Background(), false)
	var cerr *apperr.ConfigError
	require.ErrorAs(t, err, &cerr)

	// No partial state: nothing enqueued.
	depth, err := q.Depth(context.Background(), "dialogue")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestEmptyModelSetRejected(t *testing.T) {
	p, mem, _ := newTestPlanner(t)
	writeConfig(t, mem, model.ActiveConfiguration{
		Scenarios:     []string{"scenario-1"},
		RubricVersion: "heuristic/v1",
	})

	_, err := p.Trigger(context.Background(), false)
	var cerr *apperr.ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestCrossProductEnqueuesEveryPair(t *testing.T) {
	ctx := context.Background()
	p, mem, q := newTestPlanner(t)
	writeConfig(t, mem, model.ActiveConfiguration{
		Models:        []model.ModelDescriptor{{ModelID: "model-a"}, {ModelID: "model-b"}},
		Scenarios:     []string{"scenario-1", "scenario-2", "scenario-3"},
		RubricVersion: "heuristic/v1",
		Parameters:    model.GlobalParameters{TurnCap: 3},
	})

	res, err := p.Trigger(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 6, res.RunsCreated)
	assert.Equal(t, 6, res.Enqueued)

	seen := make(map[string]bool)
	for i := 0; i < 6; i++ {
		msg, err := q.Dequeue(ctx, "dialogue", 500*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg)
		job, err := jobs.UnmarshalDialogueJob(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, res.ManifestID, job.ManifestID)
		seen[job.ModelID+"/"+job.ScenarioID] = true
	}
	assert.Len(t, seen, 6, "each (model, scenario) pair enqueued exactly once")
}

func TestManifestCreatedAtStableAcrossTriggers(t *testing.T) {
	ctx := context.Background()
	p, mem, _ := newTestPlanner(t)
	writeConfig(t, mem, model.ActiveConfiguration{
		Models:        []model.ModelDescriptor{{ModelID: "model-a"}},
		Scenarios:     []string{"scenario-1"},
		RubricVersion: "heuristic/v1",
	})

	first, err := p.Trigger(ctx, false)
	require.NoError(t, err)

	// Even with a different clock, the second trigger reuses the stored
	// manifest, so run ids stay identical.
	p.Now = func() time.Time { return time.Date(2025, 3, 11, 9, 30, 0, 0, time.UTC) }
	second, err := p.Trigger(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, first.ManifestID, second.ManifestID)
	assert.Equal(t, 0, second.RunsCreated)
	assert.Equal(t, 1, second.RunsExisting)
}

func TestForceReenqueuesExistingRuns(t *testing.T) {
	ctx := context.Background()
	p, mem, q := newTestPlanner(t)
	writeConfig(t, mem, model.ActiveConfiguration{
		Models:        []model.ModelDescriptor{{ModelID: "model-a"}},
		Scenarios:     []string{"scenario-1"},
		RubricVersion: "heuristic/v1",
	})

	_, err := p.Trigger(ctx, false)
	require.NoError(t, err)
	res, err := p.Trigger(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	depth, err := q.Depth(ctx, "dialogue")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}
