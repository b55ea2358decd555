package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
)

// Sequential executes the steps of one run one at a time
type Sequential struct {
	*engine
}

// NewSequential allocates a run for dagID in CREATED status and persists it
func NewSequential(ctx context.Context, dagID string, opts Options) (*Sequential, error) {
	e, err := newEngine(opts, "sequential_scheduler")
	if err != nil {
		return nil, err
	}
	if err := e.create(ctx, dagID); err != nil {
		return nil, err
	}
	return &Sequential{engine: e}, nil
}

// ResumeSequential attaches to an existing run. Without repair the run is
// loaded as-is; with repair the resume manager resets failed and skipped
// steps first.
func ResumeSequential(ctx context.Context, dagID, runID string, repair bool, opts Options) (*Sequential, error) {
	e, err := newEngine(opts, "sequential_scheduler")
	if err != nil {
		return nil, err
	}
	if err := e.load(ctx, dagID, runID, repair); err != nil {
		return nil, err
	}
	return &Sequential{engine: e}, nil
}

// RegisterStep binds an executor to a step id. A new id is added to the run
// as PENDING with the given policy; an id already in the run keeps its
// persisted policy.
func (s *Sequential) RegisterStep(id string, exec Executor, opts ...StepOption) error {
	_, added, err := s.register(id, exec, opts)
	if err != nil {
		return err
	}
	if added {
		s.logger.Debug("step registered", zap.String("step_id", id))
	}
	return nil
}

// RunID returns the id of the run
func (s *Sequential) RunID() string {
	return s.runID()
}

// Status returns a read-only snapshot of the run
func (s *Sequential) Status() StatusSnapshot {
	return s.snapshot()
}

// Cancel marks the run and its unfinished steps CANCELLED and persists.
// An executor already in flight runs to completion and its result is kept.
func (s *Sequential) Cancel(ctx context.Context) error {
	return s.cancel(ctx, "cancel requested")
}

// Execute runs the steps in order (registration order when none is given)
// and returns a snapshot of the finished run. Step failures are recorded on
// the run; only run-level errors and context cancellation are returned.
func (s *Sequential) Execute(ctx context.Context, order ...string) (*run.Run, error) {
	ids, err := s.resolveOrder(order)
	if err != nil {
		return nil, err
	}

	if st := s.status(); !canStart(st) {
		s.logger.Info("run already finished, nothing to execute", zap.String("status", string(st)))
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.run.Clone(), nil
	}

	ctx, span := s.startSpan(ctx, "sequential")
	defer span.End()

	if err := s.begin(ctx); err != nil {
		return s.finish(ctx, span, err, false, finalizeSequential)
	}
	s.logger.Info("run started", zap.Int("steps", len(ids)))

	interrupted, runErr := s.loop(ctx, ids)
	return s.finish(ctx, span, runErr, interrupted, finalizeSequential)
}

// finalizeSequential derives the final status of a run still RUNNING or
// degraded to PARTIAL_SUCCESS by a non-critical failure
func finalizeSequential(st run.Status) bool {
	return st == run.StatusRunning || st == run.StatusPartialSuccess
}

func (s *Sequential) resolveOrder(order []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(order) == 0 {
		return s.run.StepIDs(), nil
	}
	for _, id := range order {
		if !s.run.HasStep(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
		}
	}
	return append([]string(nil), order...), nil
}

func (s *Sequential) loop(ctx context.Context, ids []string) (interrupted bool, err error) {
	defer recoverLoop(&err)

	for _, id := range ids {
		if s.interrupted(ctx) {
			return true, nil
		}

		s.mu.Lock()
		step, _ := s.run.Step(id)
		status := step.Status
		s.mu.Unlock()

		switch status {
		case run.StepSuccess, run.StepCancelled, run.StepSkipped:
			continue
		}

		res := s.executeStep(ctx, id)
		if res.err != nil {
			return false, res.err
		}

		switch res.status {
		case run.StepCancelled:
			return true, nil

		case run.StepFailed:
			stop, err := s.handleFailure(ctx, step)
			if err != nil || stop {
				return false, err
			}
		}
	}
	return s.interrupted(ctx), nil
}

// handleFailure reacts to an exhausted step failure. A critical step skips
// every pending step and fails the run; a non-critical one degrades it.
func (s *Sequential) handleFailure(ctx context.Context, failed *run.Step) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isCancelled() {
		return true, nil
	}

	if !failed.Metadata.Critical {
		s.logger.Warn("non-critical step failed, continuing", zap.String("step_id", failed.ID))
		if s.run.Status == run.StatusFailed || s.run.Status == run.StatusCancelled {
			return false, nil
		}
		return false, s.updateLocked(ctx, func(r *run.Run, now time.Time) {
			r.Status = run.StatusPartialSuccess
		})
	}

	reason := criticalReason(failed)
	var skipped []string
	err := s.updateLocked(ctx, func(r *run.Run, now time.Time) {
		for _, st := range r.Steps() {
			if s.skipLocked(st, fmt.Sprintf("critical step %s failed", failed.ID), failed.ID, now) {
				skipped = append(skipped, st.ID)
			}
		}
		r.Status = run.StatusFailed
		r.EndedAt = &now
		r.Metadata.FailureReason = reason
		r.Metadata.FailedStep = failed.ID
	})
	s.logger.Error("critical step failed, aborting run",
		zap.String("step_id", failed.ID),
		zap.Strings("skipped", skipped),
		zap.String("reason", reason))
	return true, err
}
