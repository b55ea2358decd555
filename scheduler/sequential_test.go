package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/internal/ctxkeys"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func TestNewSequential_PersistsCreatedRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusCreated, stored.Status)
	assert.Equal(t, "etl", stored.DagID)
}

func TestNewSequential_RequiresStore(t *testing.T) {
	_, err := NewSequential(context.Background(), "etl", Options{})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestSequential_AllStepsSucceed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s, err := NewSequential(ctx, "etl", Options{Store: st, Config: testConfig(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	var log orderLog
	for _, id := range []string{"extract", "transform", "load"} {
		require.NoError(t, s.RegisterStep(id, log.exec(id)))
	}

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"extract", "transform", "load"}, log.calls())
	assert.Equal(t, run.StatusSuccess, result.Status)
	require.NotNil(t, result.StartedAt)
	require.NotNil(t, result.EndedAt)
	for _, id := range []string{"extract", "transform", "load"} {
		step, _ := result.Step(id)
		assert.Equal(t, run.StepSuccess, step.Status)
		assert.Equal(t, id, step.Result)
	}

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusSuccess, stored.Status)

	tr, ok := st.GetTrace(ctx, s.RunID())
	require.True(t, ok)
	assert.False(t, tr.Running)
	require.NotNil(t, tr.Summary)
	assert.Equal(t, run.StatusSuccess, tr.Summary.Status)
	assert.Equal(t, 3, tr.Counters.StepsCompleted)
	assert.Equal(t, run.EventRunStart, tr.Entries[0].Event)
	assert.Equal(t, run.EventRunComplete, tr.Entries[len(tr.Entries)-1].Event)
}

func TestSequential_LinearRetryScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	rec := recordDelays(s.engine, true)

	var calls atomic.Int32
	require.NoError(t, s.RegisterStep("flaky", failTimes(2, "ok", &calls),
		WithMaxRetries(2),
		WithRetryDelay(100*time.Millisecond),
		WithBackoff(run.BackoffConstant)))

	start := time.Now()
	result, err := s.Execute(ctx)
	require.NoError(t, err)

	step, _ := result.Step("flaky")
	assert.Equal(t, run.StepSuccess, step.Status)
	assert.Equal(t, 2, step.RetryCount)
	assert.Len(t, step.Metadata.ErrorHistory, 2)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, rec.recorded())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	assert.Equal(t, run.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.RetryCount)
	assert.Len(t, result.Metadata.StepFailures, 2)
	assert.EqualValues(t, 3, calls.Load())

	tr, ok := st.GetTrace(ctx, s.RunID())
	require.True(t, ok)
	retries := eventsOf(tr, run.EventStepRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 100*time.Millisecond, retries[0].Duration)
}

func TestSequential_ExponentialBackoffDelays(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)
	rec := recordDelays(s.engine, false)

	require.NoError(t, s.RegisterStep("always", fail("boom"),
		WithMaxRetries(3),
		WithRetryDelay(10*time.Millisecond)))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, rec.recorded())
	step, _ := result.Step("always")
	assert.Equal(t, run.StepFailed, step.Status)
	assert.Equal(t, 3, step.RetryCount)
	assert.Equal(t, "boom", step.Error)
}

func TestSequential_CriticalFailureSkipsRemaining(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	recordDelays(s.engine, false)

	var log orderLog
	require.NoError(t, s.RegisterStep("a", log.exec("a")))
	require.NoError(t, s.RegisterStep("b", fail("b broke"), WithMaxRetries(1)))
	require.NoError(t, s.RegisterStep("c", log.exec("c"), WithDependencies("b")))
	require.NoError(t, s.RegisterStep("d", log.exec("d")))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, log.calls())
	assert.Equal(t, run.StepSuccess, stepStatus(t, result, "a"))
	assert.Equal(t, run.StepFailed, stepStatus(t, result, "b"))
	assert.Equal(t, run.StepSkipped, stepStatus(t, result, "c"))
	assert.Equal(t, run.StepSkipped, stepStatus(t, result, "d"))

	c, _ := result.Step("c")
	assert.Equal(t, "b", c.Metadata.SkippedBy)
	assert.NotEmpty(t, c.Metadata.SkipReason)

	assert.Equal(t, run.StatusFailed, result.Status)
	assert.Equal(t, "b", result.Metadata.FailedStep)
	assert.Contains(t, result.Metadata.FailureReason, "critical step b")
	assert.Contains(t, result.Metadata.FailureReason, "2 attempt(s)")

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusFailed, stored.Status)

	tr, ok := st.GetTrace(ctx, s.RunID())
	require.True(t, ok)
	assert.Len(t, eventsOf(tr, run.EventStepSkip), 2)
	assert.Equal(t, run.EventRunFail, tr.Entries[len(tr.Entries)-1].Event)
}

func TestSequential_NonCriticalFailureDegrades(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)
	recordDelays(s.engine, false)

	var log orderLog
	require.NoError(t, s.RegisterStep("a", log.exec("a")))
	require.NoError(t, s.RegisterStep("b", fail("optional"), WithCritical(false), WithMaxRetries(0)))
	require.NoError(t, s.RegisterStep("c", log.exec("c")))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, log.calls())
	assert.Equal(t, run.StepFailed, stepStatus(t, result, "b"))
	assert.Equal(t, run.StatusPartialSuccess, result.Status)
}

func TestSequential_NonCriticalOnlyFailureIsFailed(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)

	require.NoError(t, s.RegisterStep("only", fail("nope"), WithCritical(false), WithMaxRetries(0)))

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, result.Status)
}

func TestSequential_PermanentErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)
	rec := recordDelays(s.engine, false)

	var calls atomic.Int32
	require.NoError(t, s.RegisterStep("validate", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, types.Permanent("schema mismatch")
	}, WithMaxRetries(5)))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	step, _ := result.Step("validate")
	assert.Equal(t, run.StepFailed, step.Status)
	assert.Equal(t, 0, step.RetryCount)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, rec.recorded())
	require.Len(t, step.Metadata.ErrorHistory, 1)
	assert.Equal(t, string(types.ErrStepFailed), step.Metadata.ErrorHistory[0].Kind)
}

func TestSequential_PanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)

	require.NoError(t, s.RegisterStep("explode", func(context.Context) (any, error) {
		panic("nil map write")
	}, WithMaxRetries(0)))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	step, _ := result.Step("explode")
	assert.Equal(t, run.StepFailed, step.Status)
	assert.Contains(t, step.Error, "nil map write")
	require.Len(t, step.Metadata.ErrorHistory, 1)
	assert.Equal(t, string(types.ErrStepPanic), step.Metadata.ErrorHistory[0].Kind)
	assert.Equal(t, run.StatusFailed, result.Status)
}

func TestSequential_ExplicitOrder(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)

	var log orderLog
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RegisterStep(id, log.exec(id)))
	}

	_, err = s.Execute(ctx, "a", "missing")
	assert.ErrorIs(t, err, ErrUnknownStep)
	assert.Empty(t, log.calls())

	result, err := s.Execute(ctx, "c", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, log.calls())
	assert.Equal(t, run.StatusSuccess, result.Status)
}

func TestSequential_RegisterStep(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)

	assert.ErrorIs(t, s.RegisterStep("", succeed(1)), ErrInvalidStep)
	assert.ErrorIs(t, s.RegisterStep("a", nil), ErrInvalidStep)

	require.NoError(t, s.RegisterStep("a", succeed(1),
		WithMaxRetries(5),
		WithRetryDelay(time.Minute),
		WithBackoff(run.BackoffLinear),
		WithCritical(false)))
	// re-registration keeps the recorded policy
	require.NoError(t, s.RegisterStep("a", succeed(2), WithMaxRetries(1)))

	snap := s.Status()
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, 5, snap.Steps[0].MaxRetries)
	assert.Equal(t, run.StepPending, snap.Steps[0].Status)

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	step, _ := result.Step("a")
	assert.Equal(t, 2, step.Result, "the latest executor is bound")
	assert.Equal(t, time.Minute, step.Metadata.RetryDelay)
	assert.Equal(t, run.BackoffLinear, step.Metadata.Backoff)
	assert.False(t, step.Metadata.Critical)
}

func TestSequential_DefaultsFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DefaultMaxRetries = 7
	cfg.DefaultBackoff = run.BackoffLinear

	s, err := NewSequential(ctx, "etl", Options{Store: newTestStore(t), Config: cfg})
	require.NoError(t, err)
	require.NoError(t, s.RegisterStep("a", succeed(nil)))

	snap := s.Status()
	assert.Equal(t, 7, snap.Steps[0].MaxRetries)

	s.mu.Lock()
	step, _ := s.run.Step("a")
	assert.Equal(t, run.BackoffLinear, step.Metadata.Backoff)
	assert.True(t, step.Metadata.Critical)
	s.mu.Unlock()
}

func TestSequential_CancelBeforeExecute(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)

	var log orderLog
	require.NoError(t, s.RegisterStep("a", log.exec("a")))
	require.NoError(t, s.RegisterStep("b", log.exec("b")))

	require.NoError(t, s.Cancel(ctx))

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusCancelled, stored.Status)
	assert.Equal(t, run.StepCancelled, stepStatus(t, stored, "a"))
	assert.Equal(t, run.StepCancelled, stepStatus(t, stored, "b"))

	result, err := s.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, result.Status)
	assert.Empty(t, log.calls())
}

func TestSequential_CancelDuringExecution(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)

	var log orderLog
	require.NoError(t, s.RegisterStep("a", func(ctx context.Context) (any, error) {
		if err := s.Cancel(ctx); err != nil {
			return nil, err
		}
		return "finished anyway", nil
	}))
	require.NoError(t, s.RegisterStep("b", log.exec("b")))

	result, err := s.Execute(ctx)
	require.NoError(t, err)

	assert.Empty(t, log.calls())
	assert.Equal(t, run.StatusCancelled, result.Status)
	a, _ := result.Step("a")
	assert.Equal(t, run.StepSuccess, a.Status, "in-flight result is recorded")
	assert.Equal(t, "finished anyway", a.Result)
	assert.Equal(t, run.StepCancelled, stepStatus(t, result, "b"))

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusCancelled, stored.Status)
}

func TestSequential_ContextCancellation(t *testing.T) {
	st := newTestStore(t)
	s, err := NewSequential(context.Background(), "etl", testOptions(st))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.RegisterStep("a", func(ctx context.Context) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, s.RegisterStep("b", succeed(nil)))

	result, err := s.Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, run.StatusCancelled, result.Status)
	assert.Equal(t, run.StepCancelled, stepStatus(t, result, "a"))
	assert.Equal(t, run.StepCancelled, stepStatus(t, result, "b"))

	stored, ok := st.Get(context.Background(), s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusCancelled, stored.Status)
}

func TestSequential_RunLevelErrorIsPersistedThenReturned(t *testing.T) {
	ctx := context.Background()
	// update #1 is begin, #2 marks the step running
	st := &failingUpdateStore{RunStore: newTestStore(t), n: 2}
	s, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	require.NoError(t, s.RegisterStep("a", succeed(nil)))

	result, err := s.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, run.StatusFailed, result.Status)

	stored, ok := st.Get(ctx, s.RunID())
	require.True(t, ok)
	assert.Equal(t, run.StatusFailed, stored.Status)
	assert.Contains(t, stored.Metadata.FailureReason, "run error")
	assert.Contains(t, stored.Error, errInjected.Error())
}

func TestSequential_ExecutorContext(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)

	var seenRun, seenDag, seenStep string
	var seenAttempt int
	require.NoError(t, s.RegisterStep("probe", func(ctx context.Context) (any, error) {
		seenRun, _ = ctxkeys.RunID(ctx)
		seenDag, _ = ctxkeys.DagID(ctx)
		seenStep, _ = ctxkeys.StepID(ctx)
		seenAttempt, _ = ctxkeys.Attempt(ctx)
		return nil, nil
	}))

	_, err = s.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.RunID(), seenRun)
	assert.Equal(t, "etl", seenDag)
	assert.Equal(t, "probe", seenStep)
	assert.Equal(t, 1, seenAttempt)
}

func TestSequential_Status(t *testing.T) {
	ctx := context.Background()
	s, err := NewSequential(ctx, "etl", testOptions(newTestStore(t)))
	require.NoError(t, err)
	recordDelays(s.engine, false)

	require.NoError(t, s.RegisterStep("a", succeed(nil)))
	require.NoError(t, s.RegisterStep("b", fail("bad"), WithMaxRetries(1), WithCritical(false)))

	before := s.Status()
	assert.Equal(t, s.RunID(), before.RunID)
	assert.Equal(t, run.StatusCreated, before.Status)
	assert.Equal(t, 2, before.Counts.Pending)

	_, err = s.Execute(ctx)
	require.NoError(t, err)

	after := s.Status()
	assert.Equal(t, run.StatusPartialSuccess, after.Status)
	assert.Equal(t, 1, after.Counts.Success)
	assert.Equal(t, 1, after.Counts.Failed)
	assert.Equal(t, 1, after.RetryCount)
	b, ok := after.Step("b")
	require.True(t, ok)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, "bad", b.Error)
}

func TestSequential_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	opts := testOptions(newTestStore(t))
	opts.Metrics = metrics.NewCollector("sched", reg, nil)

	s, err := NewSequential(ctx, "etl", opts)
	require.NoError(t, err)
	recordDelays(s.engine, false)

	var calls atomic.Int32
	require.NoError(t, s.RegisterStep("a", failTimes(1, nil, &calls)))

	_, err = s.Execute(ctx)
	require.NoError(t, err)

	count := func(name string) int {
		n, err := testutil.GatherAndCount(reg, name)
		require.NoError(t, err)
		return n
	}
	assert.Equal(t, 1, count("sched_runs_total"))
	assert.Equal(t, 1, count("sched_step_retries_total"))
	assert.Equal(t, 2, count("sched_step_executions_total"))
}

func TestResumeSequential_NoRepair(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	first, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	require.NoError(t, first.RegisterStep("a", fail("down"), WithMaxRetries(0)))
	_, err = first.Execute(ctx)
	require.NoError(t, err)

	resumed, err := ResumeSequential(ctx, "etl", first.RunID(), false, testOptions(st))
	require.NoError(t, err)
	snap := resumed.Status()
	assert.Equal(t, run.StatusFailed, snap.Status)
	assert.Equal(t, run.StepFailed, snap.Steps[0].Status)

	_, err = ResumeSequential(ctx, "reports", first.RunID(), false, testOptions(st))
	assert.ErrorIs(t, err, ErrDagMismatch)

	_, err = ResumeSequential(ctx, "etl", "no-such-run", false, testOptions(st))
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestResumeSequential_Repair(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	var aCalls, bCalls atomic.Int32
	countA := func(context.Context) (any, error) { aCalls.Add(1); return "a", nil }

	first, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	require.NoError(t, first.RegisterStep("a", countA))
	require.NoError(t, first.RegisterStep("b", fail("upstream unavailable"), WithMaxRetries(0)))
	require.NoError(t, first.RegisterStep("c", succeed("c")))
	result, err := first.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, result.Status)

	resumed, err := ResumeSequential(ctx, "etl", first.RunID(), true, testOptions(st))
	require.NoError(t, err)
	require.NoError(t, resumed.RegisterStep("a", countA))
	require.NoError(t, resumed.RegisterStep("b", func(context.Context) (any, error) { bCalls.Add(1); return "b", nil }))
	require.NoError(t, resumed.RegisterStep("c", succeed("c")))

	result, err = resumed.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.RunID(), result.RunID)
	assert.Equal(t, run.StatusSuccess, result.Status)
	assert.EqualValues(t, 1, aCalls.Load(), "completed steps are not re-executed")
	assert.EqualValues(t, 1, bCalls.Load())
	assert.Equal(t, 1, result.Metadata.ResumeCount)
	assert.Empty(t, result.Metadata.FailureReason)

	tr, ok := st.GetTrace(ctx, first.RunID())
	require.True(t, ok)
	assert.Len(t, eventsOf(tr, run.EventRunStart), 2, "trace continues across the resume")
	infos := eventsOf(tr, run.EventInfo)
	require.NotEmpty(t, infos)
	assert.Equal(t, run.EventRunComplete, tr.Entries[len(tr.Entries)-1].Event)
}

func TestResumeSequential_RepairRefused(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	first, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	require.NoError(t, first.RegisterStep("a", succeed(nil)))
	_, err = first.Execute(ctx)
	require.NoError(t, err)

	_, err = ResumeSequential(ctx, "etl", first.RunID(), true, testOptions(st))
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestResumeSequential_UnboundStepFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	first, err := NewSequential(ctx, "etl", testOptions(st))
	require.NoError(t, err)
	require.NoError(t, first.RegisterStep("a", fail("x"), WithMaxRetries(0)))
	_, err = first.Execute(ctx)
	require.NoError(t, err)

	resumed, err := ResumeSequential(ctx, "etl", first.RunID(), true, testOptions(st))
	require.NoError(t, err)

	result, err := resumed.Execute(ctx)
	require.NoError(t, err)
	step, _ := result.Step("a")
	assert.Equal(t, run.StepFailed, step.Status)
	require.NotEmpty(t, step.Metadata.ErrorHistory)
	last := step.Metadata.ErrorHistory[len(step.Metadata.ErrorHistory)-1]
	assert.Equal(t, string(types.ErrStepNotBound), last.Kind)
	assert.Equal(t, run.StatusFailed, result.Status)
}

func TestOutcomeOf(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		err       error
		kind      types.ErrorCode
		retriable bool
	}{
		{"plain error", ctx, errors.New("x"), types.ErrStepFailed, true},
		{"transient", ctx, types.Transient("x"), types.ErrStepFailed, true},
		{"permanent", ctx, types.Permanent("x"), types.ErrStepFailed, false},
		{"custom code", ctx, types.NewError(types.ErrStepTimeout, "slow").WithRetryable(true), types.ErrStepTimeout, true},
		{"own deadline", ctx, context.DeadlineExceeded, types.ErrStepTimeout, true},
		{"cancelled ctx", cancelled, context.Canceled, types.ErrStepCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := outcomeOf(tt.ctx, nil, tt.err)
			f, ok := out.(run.Failure)
			require.True(t, ok)
			assert.Equal(t, string(tt.kind), f.Kind)
			assert.Equal(t, tt.retriable, f.Retriable)
		})
	}

	out := outcomeOf(ctx, 42, nil)
	assert.Equal(t, run.Success{Result: 42}, out)
}

// retry_count never exceeds max_retries and the step succeeds iff the
// executor recovers within its retry budget
func TestSequential_RetryBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxRetries := rapid.IntRange(0, 4).Draw(rt, "maxRetries")
		failures := rapid.IntRange(0, 6).Draw(rt, "failures")

		ctx := context.Background()
		s, err := NewSequential(ctx, "prop", testOptions(newTestStore(t)))
		if err != nil {
			rt.Fatal(err)
		}
		recordDelays(s.engine, false)

		var calls atomic.Int32
		if err := s.RegisterStep("x", failTimes(failures, "ok", &calls), WithMaxRetries(maxRetries)); err != nil {
			rt.Fatal(err)
		}
		result, err := s.Execute(ctx)
		if err != nil {
			rt.Fatal(err)
		}

		step, _ := result.Step("x")
		if step.RetryCount > step.MaxRetries {
			rt.Fatalf("retry_count %d > max_retries %d", step.RetryCount, step.MaxRetries)
		}
		wantSuccess := failures <= maxRetries
		if (step.Status == run.StepSuccess) != wantSuccess {
			rt.Fatalf("status %s with %d failures and %d retries", step.Status, failures, maxRetries)
		}
	})
}

// the final run status follows the finalize rule for non-critical steps
func TestSequential_FinalizeRuleProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 6).Draw(rt, "outcomes")

		ctx := context.Background()
		s, err := NewSequential(ctx, "prop", testOptions(newTestStore(t)))
		if err != nil {
			rt.Fatal(err)
		}

		var ok, failed int
		for i, succeeds := range outcomes {
			exec := fail("planned")
			if succeeds {
				exec = succeed(i)
				ok++
			} else {
				failed++
			}
			id := string(rune('a' + i))
			if err := s.RegisterStep(id, exec, WithCritical(false), WithMaxRetries(0)); err != nil {
				rt.Fatal(err)
			}
		}

		result, err := s.Execute(ctx)
		if err != nil {
			rt.Fatal(err)
		}

		var want run.Status
		switch {
		case failed == 0:
			want = run.StatusSuccess
		case ok > 0:
			want = run.StatusPartialSuccess
		default:
			want = run.StatusFailed
		}
		if result.Status != want {
			rt.Fatalf("status %s, want %s (ok=%d failed=%d)", result.Status, want, ok, failed)
		}
	})
}
