package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// execute runs the root command and returns what it wrote to stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

type seeded struct {
	dir     string
	okRun   string
	failRun string
	oldRun  string
}

// seedStore writes three runs into a file store under a temp dir
func seedStore(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Store.BaseDir = dir
	st, err := store.NewRunStore(cfg.StoreConfig(), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()

	ok := run.New("etl")
	a := run.NewStep("extract", 1, run.StepMetadata{})
	a.MarkRunning(now)
	a.MarkSucceeded("rows", now.Add(time.Second))
	require.NoError(t, ok.AddStep(a))
	ok.Status = run.StatusSuccess
	_, err = st.Create(ctx, ok)
	require.NoError(t, err)

	failed := run.New("etl")
	failed.CreatedAt = now.Add(time.Minute)
	x := run.NewStep("extract", 0, run.StepMetadata{})
	x.MarkRunning(now)
	x.MarkSucceeded("rows", now.Add(time.Second))
	y := run.NewStep("load", 0, run.StepMetadata{Dependencies: []string{"extract"}, Critical: true})
	y.MarkRunning(now.Add(time.Second))
	y.MarkFailed("connection refused", "error", now.Add(2*time.Second))
	require.NoError(t, failed.AddStep(x))
	require.NoError(t, failed.AddStep(y))
	failed.Status = run.StatusFailed
	failed.Metadata.FailedStep = "load"
	failed.Metadata.FailureReason = "critical step load failed"
	_, err = st.Create(ctx, failed)
	require.NoError(t, err)

	tr := run.NewTrace(failed.RunID, failed.DagID, now)
	tr.Append(run.TraceEntry{StepID: "load", Event: run.EventStepFail, Timestamp: now.Add(2 * time.Second), Attempt: 1, ErrorSummary: "connection refused"})
	require.NoError(t, st.SaveTrace(ctx, tr))

	old := run.New("report")
	old.CreatedAt = now.AddDate(0, 0, -40)
	old.Status = run.StatusSuccess
	require.NoError(t, old.AddStep(run.NewStep("render", 0, run.StepMetadata{})))
	_, err = st.Create(ctx, old)
	require.NoError(t, err)

	return seeded{dir: dir, okRun: ok.RunID, failRun: failed.RunID, oldRun: old.RunID}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dagflow dev")
	assert.Contains(t, out, "Git Commit: unknown")
}

func TestListCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "list", "--store-dir", s.dir, "--dag", "etl")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, s.okRun)
	assert.Contains(t, out, s.failRun)
	assert.NotContains(t, out, s.oldRun)

	out, err = execute(t, "list", "--store-dir", s.dir, "--status", "FAILED", "--json")
	require.NoError(t, err)
	var runs []store.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, s.failRun, runs[0].RunID)
	assert.Equal(t, run.StatusFailed, runs[0].Status)

	out, err = execute(t, "list", "--store-dir", s.dir, "--dag", "nope")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found.")
}

func TestShowCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "show", s.failRun, "--store-dir", s.dir, "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:    failed")
	assert.Contains(t, out, "Failure:   critical step load failed")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, string(run.EventStepFail))

	out, err = execute(t, "show", s.okRun, "--store-dir", s.dir, "--json")
	require.NoError(t, err)
	var got struct {
		Run   *run.Run   `json:"run"`
		Trace *run.Trace `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, s.okRun, got.Run.RunID)
	assert.Nil(t, got.Trace)

	_, err = execute(t, "show", "missing", "--store-dir", s.dir)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = execute(t, "show", "--store-dir", s.dir)
	assert.Error(t, err)
}

func TestIncompleteCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "incomplete", "--store-dir", s.dir)
	require.NoError(t, err)
	assert.Contains(t, out, s.failRun)
	assert.NotContains(t, out, s.okRun)

	out, err = execute(t, "incomplete", "--store-dir", s.dir, "--dag", "report")
	require.NoError(t, err)
	assert.Contains(t, out, "No incomplete runs.")
}

func TestStatsCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "stats", "--store-dir", s.dir, "--dag", "etl", "--json")
	require.NoError(t, err)

	var got struct {
		Runs *store.Statistics `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.Runs.TotalRuns)
	assert.Equal(t, 1, got.Runs.StatusCounts[run.StatusFailed])

	out, err = execute(t, "stats", "--store-dir", s.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Total runs:")
	assert.Contains(t, out, "Total resumes:")
}

func TestCleanupCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "cleanup", "--store-dir", s.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 run(s) older than 30 day(s).")

	out, err = execute(t, "list", "--store-dir", s.dir)
	require.NoError(t, err)
	assert.NotContains(t, out, s.oldRun)

	_, err = execute(t, "cleanup", "--store-dir", s.dir, "--days", "0")
	assert.ErrorContains(t, err, "retention must be positive")
}

func TestReindexCmd(t *testing.T) {
	s := seedStore(t)

	out, err := execute(t, "reindex", "--store-dir", s.dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 3 run(s).")

	_, err = execute(t, "reindex", "--store-type", "memory")
	assert.ErrorContains(t, err, "keeps no rebuildable index")
}

func TestMigrateCmd(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite migration test")
	}
	dir := t.TempDir()

	out, err := execute(t, "migrate", "up", "--store-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations complete.")

	out, err = execute(t, "migrate", "version", "--store-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Current version: 2")

	out, err = execute(t, "migrate", "down", "--store-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Rollback complete.")

	_, err = execute(t, "migrate", "goto", "abc", "--store-dir", dir)
	assert.ErrorContains(t, err, "invalid version")

	_, err = execute(t, "migrate", "up", "--db-type", "sqlite")
	assert.ErrorContains(t, err, "must be given together")
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "bogus", Format: "console", OutputPaths: []string{"stderr"}})
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
