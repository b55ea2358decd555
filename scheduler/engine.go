package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/ctxkeys"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/telemetry"
	"github.com/BaSui01/dagflow/resume"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"github.com/BaSui01/dagflow/trace"
	"github.com/BaSui01/dagflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "dagflow/scheduler"

// engine holds the state shared by both schedulers: the run record, the
// bound executors and the collaborators. mu guards every access to the run
// record, including the snapshot taken by the store on persist.
type engine struct {
	mu  sync.Mutex
	run *run.Run

	executors map[string]Executor

	cfg       config.SchedulerConfig
	store     store.RunStore
	collector *trace.Collector
	resumer   *resume.Manager
	metrics   *metrics.Collector
	otelm     *telemetry.Instruments
	tracer    oteltrace.Tracer
	logger    *zap.Logger

	cancelOnce sync.Once
	cancelled  chan struct{}
	finished   bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newEngine(opts Options, component string) (*engine, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := config.DefaultSchedulerConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	collector := opts.Collector
	if collector == nil {
		collector = trace.NewCollector(logger)
	}

	resumer := opts.Resume
	if resumer == nil {
		resumer = resume.NewManager(opts.Store, collector, logger)
	}

	otelm, err := telemetry.NewInstruments()
	if err != nil {
		logger.Warn("otel instruments unavailable", zap.Error(err))
	}

	e := &engine{
		executors: make(map[string]Executor),
		cfg:       cfg,
		store:     opts.Store,
		collector: collector,
		resumer:   resumer,
		metrics:   opts.Metrics,
		otelm:     otelm,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With(zap.String("component", component)),
		cancelled: make(chan struct{}),
		now:       time.Now,
	}
	e.sleep = e.sleepCtx
	return e, nil
}

// create allocates and persists a new run
func (e *engine) create(ctx context.Context, dagID string) error {
	r := run.New(dagID)
	if _, err := e.store.Create(ctx, r); err != nil {
		return fmt.Errorf("create run for dag %s: %w", dagID, err)
	}
	e.run = r
	e.logger = e.logger.With(zap.String("run_id", r.RunID), zap.String("dag_id", dagID))
	e.logger.Info("run created")
	return nil
}

// load attaches an existing run, optionally repairing it through the
// resume manager first
func (e *engine) load(ctx context.Context, dagID, runID string, repair bool) error {
	r, ok := e.store.Get(ctx, runID)
	if !ok {
		return fmt.Errorf("resume run %s: %w", runID, ErrRunNotFound)
	}
	if r.DagID != dagID {
		return fmt.Errorf("resume run %s: %w: want %s, got %s", runID, ErrDagMismatch, dagID, r.DagID)
	}

	if repair {
		if ok, reason := e.resumer.CanResume(ctx, runID); !ok {
			return fmt.Errorf("resume run %s: %w: %s", runID, ErrNotResumable, reason)
		}
		repaired, err := e.resumer.PrepareForResume(ctx, runID)
		if err != nil {
			return err
		}
		r = repaired
	}

	e.run = r
	e.logger = e.logger.With(zap.String("run_id", r.RunID), zap.String("dag_id", dagID))
	e.logger.Info("run loaded",
		zap.Bool("repair", repair),
		zap.String("status", string(r.Status)),
		zap.Int("resume_count", r.Metadata.ResumeCount))
	return nil
}

// register binds an executor and adds the step to the run if it is new.
// A step already present keeps its persisted policy.
func (e *engine) register(id string, exec Executor, opts []StepOption) (*run.Step, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("%w: empty step id", ErrInvalidStep)
	}
	if exec == nil {
		return nil, false, fmt.Errorf("%w: step %s has no executor", ErrInvalidStep, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.executors[id] = exec
	if s, ok := e.run.Step(id); ok {
		return s, false, nil
	}

	sc := defaultStepConfig(e.cfg)
	for _, opt := range opts {
		opt(&sc)
	}
	s := run.NewStep(id, sc.maxRetries, sc.metadata())
	if err := e.run.AddStep(s); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	return s, true, nil
}

// update applies fn to the run record under the record lock and persists the
// result. Persistence ignores ctx cancellation so a cancelled run is still
// written.
func (e *engine) update(ctx context.Context, fn func(r *run.Run, now time.Time)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked(ctx, fn)
}

func (e *engine) updateLocked(ctx context.Context, fn func(r *run.Run, now time.Time)) error {
	now := e.now()
	fn(e.run, now)
	e.run.Touch(now)
	if err := e.store.Update(context.WithoutCancel(ctx), e.run); err != nil {
		return fmt.Errorf("persist run %s: %w", e.run.RunID, err)
	}
	return nil
}

func (e *engine) runID() string {
	return e.run.RunID
}

func (e *engine) dagID() string {
	return e.run.DagID
}

func (e *engine) status() run.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run.Status
}

func (e *engine) isCancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

// sleepCtx waits for d, returning early when ctx ends or the run is cancelled
func (e *engine) sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.cancelled:
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// begin moves the run into RUNNING and opens its trace
func (e *engine) begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prior, ok := e.store.GetTrace(ctx, e.run.RunID); ok {
		e.collector.ContinueTrace(e.run, prior)
	} else {
		e.collector.StartTrace(e.run)
	}

	e.finished = false
	return e.updateLocked(ctx, func(r *run.Run, now time.Time) {
		r.Status = run.StatusRunning
		r.EndedAt = nil
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	})
}

// canStart reports whether Execute has work to do on the current run status
func canStart(s run.Status) bool {
	return s != run.StatusSuccess && s != run.StatusCancelled
}

// stepResult is what one step's retry loop hands back to its caller
type stepResult struct {
	id     string
	status run.StepStatus
	err    error
}

// executeStep runs the retry loop of one step. It returns the step's final
// status; a non-nil error is a run-level failure (persistence).
func (e *engine) executeStep(ctx context.Context, id string) stepResult {
	e.mu.Lock()
	s, ok := e.run.Step(id)
	exec := e.executors[id]
	e.mu.Unlock()
	if !ok {
		return stepResult{id: id, status: run.StepFailed, err: fmt.Errorf("%w: %s", ErrUnknownStep, id)}
	}

	log := e.logger.With(zap.String("step_id", id))

	for {
		if e.isCancelled() || ctx.Err() != nil {
			return stepResult{id: id, status: run.StepCancelled}
		}

		var attempt int
		if err := e.update(ctx, func(r *run.Run, now time.Time) {
			s.MarkRunning(now)
			attempt = s.Attempt()
		}); err != nil {
			return stepResult{id: id, status: run.StepRunning, err: err}
		}
		e.collector.StepStarted(e.runID(), id, attempt)
		e.metrics.StepStarted(e.dagID())
		e.otelm.StepStarted(ctx, e.dagID())
		log.Debug("step attempt started", zap.Int("attempt", attempt))

		start := time.Now()
		outcome := e.attempt(ctx, id, exec, attempt)
		elapsed := time.Since(start)
		e.metrics.StepFinished(e.dagID())
		e.otelm.StepEnded(ctx, e.dagID())

		switch o := outcome.(type) {
		case run.Success:
			if err := e.update(ctx, func(r *run.Run, now time.Time) {
				s.MarkSucceeded(o.Result, now)
			}); err != nil {
				return stepResult{id: id, status: run.StepSuccess, err: err}
			}
			e.collector.StepCompleted(e.runID(), id, attempt, o.Result)
			e.metrics.RecordStepExecution(e.dagID(), string(run.StepSuccess), elapsed)
			e.otelm.StepFinished(ctx, e.dagID(), string(run.StepSuccess), elapsed)
			log.Info("step succeeded", zap.Int("attempt", attempt), zap.Duration("duration", elapsed))
			return stepResult{id: id, status: run.StepSuccess}

		case run.Failure:
			interrupted := ctx.Err() != nil
			var retrying bool
			var delay time.Duration
			if err := e.update(ctx, func(r *run.Run, now time.Time) {
				if interrupted {
					s.MarkCancelled(now)
					return
				}
				entry := s.MarkFailed(o.Message, o.Kind, now)
				r.RecordFailure(id, entry)
				if o.Retriable && !e.isCancelled() && s.MarkRetrying() {
					r.RetryCount++
					retrying = true
					delay = ComputeDelay(s.Metadata.Backoff, s.Metadata.RetryDelay, s.RetryCount, e.logger)
				}
			}); err != nil {
				return stepResult{id: id, status: run.StepFailed, err: err}
			}

			if interrupted {
				e.metrics.RecordStepExecution(e.dagID(), string(run.StepCancelled), elapsed)
				e.otelm.StepFinished(ctx, e.dagID(), string(run.StepCancelled), elapsed)
				log.Info("step interrupted by context", zap.Int("attempt", attempt))
				return stepResult{id: id, status: run.StepCancelled}
			}

			e.collector.StepFailed(e.runID(), id, attempt, o.Message, o.Kind)
			e.metrics.RecordStepExecution(e.dagID(), string(run.StepFailed), elapsed)
			e.otelm.StepFinished(ctx, e.dagID(), string(run.StepFailed), elapsed)

			if !retrying {
				log.Warn("step failed",
					zap.Int("attempt", attempt),
					zap.String("kind", o.Kind),
					zap.Bool("retriable", o.Retriable),
					zap.String("error", o.Message))
				return stepResult{id: id, status: run.StepFailed}
			}

			e.collector.StepRetried(e.runID(), id, attempt+1, delay)
			e.metrics.RecordStepRetry(e.dagID())
			log.Info("step will retry",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.String("error", o.Message))

			if err := e.sleep(ctx, delay); err != nil {
				log.Debug("retry wait interrupted", zap.Error(err))
			}
		}
	}
}

// attempt invokes the executor once and converts whatever it does into an
// Outcome, including panics
func (e *engine) attempt(ctx context.Context, id string, exec Executor, attempt int) (out run.Outcome) {
	if exec == nil {
		return run.Failed(string(types.ErrStepNotBound),
			fmt.Sprintf("step %s has no bound executor", id), false)
	}

	ctx = ctxkeys.WithRunID(ctx, e.runID())
	ctx = ctxkeys.WithDagID(ctx, e.dagID())
	ctx = ctxkeys.WithStepID(ctx, id)
	ctx = ctxkeys.WithAttempt(ctx, attempt)

	ctx, span := e.tracer.Start(ctx, "dagflow.step",
		oteltrace.WithAttributes(
			attribute.String("dagflow.run_id", e.runID()),
			attribute.String("dagflow.step_id", id),
			attribute.Int("dagflow.attempt", attempt),
		))
	defer func() {
		if f, ok := out.(run.Failure); ok {
			span.SetStatus(codes.Error, f.Message)
			span.SetAttributes(attribute.String("dagflow.error_kind", f.Kind))
		}
		span.End()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("step executor panicked",
				zap.String("step_id", id),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			out = run.Failed(string(types.ErrStepPanic), fmt.Sprintf("panic: %v", rec), true)
		}
	}()

	result, err := exec(ctx)
	return outcomeOf(ctx, result, err)
}

// outcomeOf classifies an executor return value
func outcomeOf(ctx context.Context, result any, err error) run.Outcome {
	if err == nil {
		return run.Succeeded(result)
	}

	var te *types.Error
	if errors.As(err, &te) {
		kind := string(te.Code)
		if kind == "" {
			kind = string(types.ErrStepFailed)
		}
		return run.Failed(kind, err.Error(), te.Retryable)
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return run.Failed(string(types.ErrStepCancelled), err.Error(), false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return run.Failed(string(types.ErrStepTimeout), err.Error(), true)
	}
	return run.Failed(string(types.ErrStepFailed), err.Error(), true)
}

// skipLocked marks a pending step SKIPPED; the caller holds mu
func (e *engine) skipLocked(s *run.Step, reason, skippedBy string, now time.Time) bool {
	if s.Status != run.StepPending {
		return false
	}
	s.MarkSkipped(reason, skippedBy, now)
	e.collector.StepSkipped(e.run.RunID, s.ID, reason, skippedBy)
	e.logger.Info("step skipped",
		zap.String("step_id", s.ID),
		zap.String("skipped_by", skippedBy),
		zap.String("reason", reason))
	return true
}

// cancel flips the run to CANCELLED and every pending or running step with
// it. It is a no-op once the run has finished.
func (e *engine) cancel(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished || e.run.Status == run.StatusCancelled {
		return nil
	}
	e.cancelOnce.Do(func() { close(e.cancelled) })

	var cancelled []string
	err := e.updateLocked(ctx, func(r *run.Run, now time.Time) {
		r.Status = run.StatusCancelled
		r.EndedAt = &now
		for _, s := range r.Steps() {
			switch s.Status {
			case run.StepPending, run.StepRunning, run.StepRetry:
				s.MarkCancelled(now)
				cancelled = append(cancelled, s.ID)
			}
		}
	})
	e.collector.AddInfo(e.run.RunID, "run cancelled", map[string]any{
		"reason":          reason,
		"cancelled_steps": cancelled,
	})
	e.logger.Info("run cancelled", zap.String("reason", reason), zap.Strings("cancelled_steps", cancelled))
	return err
}

// fail marks the run FAILED with a reason; the caller holds mu
func (e *engine) failLocked(ctx context.Context, reason, failedStep string, cause error) error {
	return e.updateLocked(ctx, func(r *run.Run, now time.Time) {
		r.Status = run.StatusFailed
		r.EndedAt = &now
		r.Metadata.FailureReason = reason
		if failedStep != "" {
			r.Metadata.FailedStep = failedStep
		}
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// criticalReason builds the failure reason for an exhausted critical step
func criticalReason(s *run.Step) string {
	return fmt.Sprintf("critical step %s failed after %d attempt(s): %s", s.ID, s.Attempt(), s.Error)
}

// finish finalizes the run after the scheduling loop. A run-level error
// marks it FAILED; an interrupted loop cancels it; otherwise finalize decides
// whether the status is derived from the steps. The trace is completed and
// saved either way.
func (e *engine) finish(ctx context.Context, span oteltrace.Span, runErr error, interrupted bool, finalize func(run.Status) bool) (*run.Run, error) {
	var persistErr error

	switch {
	case runErr != nil:
		e.mu.Lock()
		persistErr = e.failLocked(ctx, "run error: "+runErr.Error(), "", runErr)
		e.mu.Unlock()
		e.logger.Error("run failed with run-level error", zap.Error(runErr))

	case interrupted:
		reason := "cancelled"
		if ctx.Err() != nil {
			runErr = ctx.Err()
			reason = "context: " + runErr.Error()
		}
		persistErr = e.cancel(ctx, reason)

	default:
		e.mu.Lock()
		if finalize(e.run.Status) {
			persistErr = e.updateLocked(ctx, func(r *run.Run, now time.Time) {
				r.Status = r.DeriveFinalStatus()
				r.EndedAt = &now
			})
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.finished = true
	snapshot := e.run.Clone()
	completed := e.collector.CompleteTrace(e.run)
	e.mu.Unlock()

	if completed != nil {
		if err := e.store.SaveTrace(context.WithoutCancel(ctx), completed); err != nil {
			e.logger.Warn("failed to save trace", zap.Error(err))
		}
	}

	e.metrics.RecordRun(snapshot.DagID, string(snapshot.Status))
	e.otelm.RunFinished(context.WithoutCancel(ctx), snapshot.DagID, string(snapshot.Status))
	span.SetAttributes(attribute.String("dagflow.status", string(snapshot.Status)))
	if snapshot.Status == run.StatusFailed {
		span.SetStatus(codes.Error, snapshot.Metadata.FailureReason)
	}

	e.logger.Info("run finished",
		zap.String("status", string(snapshot.Status)),
		zap.Duration("duration", snapshot.Duration()),
		zap.Int("retries", snapshot.RetryCount))

	if runErr != nil {
		return snapshot, runErr
	}
	return snapshot, persistErr
}

// recoverLoop converts a panic in the scheduling loop into a run-level error
func recoverLoop(err *error) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("scheduler panic: %v", rec)
	}
}

// interrupted reports whether the loop should stop admitting work
func (e *engine) interrupted(ctx context.Context) bool {
	return e.isCancelled() || ctx.Err() != nil
}

// startSpan opens the run span
func (e *engine) startSpan(ctx context.Context, mode string) (context.Context, oteltrace.Span) {
	return e.tracer.Start(ctx, "dagflow.run",
		oteltrace.WithAttributes(
			attribute.String("dagflow.run_id", e.runID()),
			attribute.String("dagflow.dag_id", e.dagID()),
			attribute.String("dagflow.mode", mode),
		))
}

// snapshot builds the read-only status view
func (e *engine) snapshot() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return newStatusSnapshot(e.run)
}
