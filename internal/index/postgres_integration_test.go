//go:build integration

package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a PostgreSQL container and returns its
// connection string.
func setupPostgresContainer(t *testing.T) string {
	ctx := context.Background()

	container, err := pgcontainer.Run(ctx, "postgres:16-alpine",
		pgcontainer.WithDatabase("testdb"),
		pgcontainer.WithUsername("testuser"),
		pgcontainer.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresIndex_Integration_MigrateAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := setupPostgresContainer(t)

	require.NoError(t, Migrate(dsn))

	idx, err := NewPostgresIndex(ctx, dsn)
	require.NoError(t, err)
	defer idx.Close()

	pk, sk := RunMetaKey("run-1")
	written, err := idx.Put(ctx, Record{
		PartitionKey: pk, SortKey: sk,
		Payload:    []byte(`{"status":"pending"}`),
		ModelID:    "model-m",
		ManifestID: "mnf_x",
	}, true)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = idx.Put(ctx, Record{PartitionKey: pk, SortKey: sk, Payload: []byte(`{"status":"other"}`)}, true)
	require.NoError(t, err)
	assert.False(t, written, "conditional put must not overwrite")

	rec, found, err := idx.Get(ctx, pk, sk)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"status":"pending"}`, string(rec.Payload))
}

func TestPostgresIndex_Integration_PrefixAndSecondaryQueries(t *testing.T) {
	ctx := context.Background()
	dsn := setupPostgresContainer(t)
	require.NoError(t, Migrate(dsn))

	idx, err := NewPostgresIndex(ctx, dsn)
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 3; i++ {
		pk, sk := TurnKey("run-1", fmt.Sprintf("%03d", i))
		_, err := idx.Put(ctx, Record{PartitionKey: pk, SortKey: sk, Payload: []byte(`{}`)}, true)
		require.NoError(t, err)
	}
	metaPK, metaSK := RunMetaKey("run-1")
	_, err = idx.Put(ctx, Record{PartitionKey: metaPK, SortKey: metaSK, Payload: []byte(`{}`), ModelID: "model-m", ManifestID: "mnf_x"}, true)
	require.NoError(t, err)

	turns, err := idx.QueryByPrefix(ctx, "RUN#run-1", TurnPrefix)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "TURN#000", turns[0].SortKey)
	assert.Equal(t, "TURN#002", turns[2].SortKey)

	count, err := idx.CountByPrefix(ctx, "RUN#run-1", TurnPrefix)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	byModel, err := idx.QueryBySecondary(ctx, "model_id", "model-m")
	require.NoError(t, err)
	require.Len(t, byModel, 1)
	assert.Equal(t, "RUN#run-1", byModel[0].PartitionKey)
}

func TestPostgresIndex_Integration_PutIfVersion(t *testing.T) {
	ctx := context.Background()
	dsn := setupPostgresContainer(t)
	require.NoError(t, Migrate(dsn))

	idx, err := NewPostgresIndex(ctx, dsn)
	require.NoError(t, err)
	defer idx.Close()

	pk, sk := PeriodAggregateKey("2025-W11", "model-m")

	written, err := idx.PutIfVersion(ctx, Record{PartitionKey: pk, SortKey: sk, Payload: []byte(`{"run_count":1}`)}, 0)
	require.NoError(t, err)
	assert.True(t, written)

	rec, found, err := idx.Get(ctx, pk, sk)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), rec.Version)

	// Stale version loses without clobbering.
	written, err = idx.PutIfVersion(ctx, Record{PartitionKey: pk, SortKey: sk, Payload: []byte(`{"run_count":9}`)}, 99)
	require.NoError(t, err)
	assert.False(t, written)

	written, err = idx.PutIfVersion(ctx, Record{PartitionKey: pk, SortKey: sk, Payload: []byte(`{"run_count":2}`)}, rec.Version)
	require.NoError(t, err)
	assert.True(t, written)

	rec, _, err = idx.Get(ctx, pk, sk)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_count":2}`, string(rec.Payload))
	assert.Equal(t, int64(2), rec.Version)
}
