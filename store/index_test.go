package store

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestGormIndex(t *testing.T) *GormIndex {
	t.Helper()
	idx, err := OpenGormIndex(IndexConfig{Driver: "sqlite", DSN: ":memory:", AutoMigrate: true}, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func indexes(t *testing.T) map[string]RunIndex {
	return map[string]RunIndex{
		"memory": NewMemoryIndex(),
		"gorm":   openTestGormIndex(t),
	}
}

func summaryAt(id, dag string, status run.Status, created time.Time) RunSummary {
	return RunSummary{
		RunID:     id,
		DagID:     dag,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
		Location:  "loc/" + id,
	}
}

func TestRunIndex_UpsertQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Upsert(ctx, summaryAt("r1", "etl", run.StatusSuccess, base)))
			require.NoError(t, idx.Upsert(ctx, summaryAt("r2", "etl", run.StatusRunning, base.Add(time.Hour))))
			require.NoError(t, idx.Upsert(ctx, summaryAt("r3", "report", run.StatusFailed, base.Add(2*time.Hour))))

			all, err := idx.Query(ctx, "", nil, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "r3", all[0].RunID)
			assert.Equal(t, "r1", all[2].RunID)
			assert.WithinDuration(t, base, all[2].CreatedAt, time.Second)
			assert.Equal(t, "loc/r1", all[2].Location)

			etl, err := idx.Query(ctx, "etl", nil, 0)
			require.NoError(t, err)
			assert.Len(t, etl, 2)

			active, err := idx.Query(ctx, "", activeStatuses, 0)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, "r2", active[0].RunID)

			limited, err := idx.Query(ctx, "", nil, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "r3", limited[0].RunID)

			// upsert replaces the existing row
			require.NoError(t, idx.Upsert(ctx, summaryAt("r2", "etl", run.StatusSuccess, base.Add(time.Hour))))
			active, err = idx.Query(ctx, "", activeStatuses, 0)
			require.NoError(t, err)
			assert.Empty(t, active)

			require.NoError(t, idx.Remove(ctx, "r1"))
			all, err = idx.Query(ctx, "", nil, 0)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestRunIndex_Rebuild(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Upsert(ctx, summaryAt("stale", "etl", run.StatusRunning, base)))

			require.NoError(t, idx.Rebuild(ctx, []RunSummary{
				summaryAt("a", "etl", run.StatusSuccess, base),
				summaryAt("b", "etl", run.StatusFailed, base.Add(time.Minute)),
			}))

			all, err := idx.Query(ctx, "", nil, 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "b", all[0].RunID)
			assert.Equal(t, "a", all[1].RunID)

			require.NoError(t, idx.Rebuild(ctx, nil))
			all, err = idx.Query(ctx, "", nil, 0)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestNewGormIndex_NilPool(t *testing.T) {
	_, err := NewGormIndex(nil, true, nil)
	assert.Error(t, err)
}

func TestOpenGormIndex_UnsupportedDriver(t *testing.T) {
	_, err := OpenGormIndex(IndexConfig{Driver: "oracle", DSN: "x"}, "", nil)
	assert.Error(t, err)
}
