package resume

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"github.com/BaSui01/dagflow/trace"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned when the run id is unknown to the store
var ErrRunNotFound = errors.New("run not found")

// DefaultScanLimit bounds the number of recent runs examined by Statistics
const DefaultScanLimit = 100

// State classifies the steps of a run for resumption
type State struct {
	RunID       string     `json:"run_id"`
	DagID       string     `json:"dag_id"`
	Status      run.Status `json:"status"`
	Completed   []string   `json:"completed"`
	Failed      []string   `json:"failed"`
	Pending     []string   `json:"pending"`
	Skipped     []string   `json:"skipped"`
	Interrupted []string   `json:"interrupted,omitempty"`
	ResumePoint string     `json:"resume_point,omitempty"`
	ResumeCount int        `json:"resume_count"`
	Counts      run.Counts `json:"counts"`
	CanResume   bool       `json:"can_resume"`
	Reason      string     `json:"reason,omitempty"`
}

// Statistics aggregates resumability over recent runs
type Statistics struct {
	Scanned      int `json:"scanned"`
	Resumable    int `json:"resumable"`
	Failed       int `json:"failed"`
	Running      int `json:"running"`
	TotalResumes int `json:"total_resumes"`
}

// Manager decides whether runs can be resumed and repairs their persisted
// state. PrepareForResume is its only mutating operation.
type Manager struct {
	store     store.RunStore
	collector *trace.Collector
	scanLimit int
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithScanLimit sets how many recent runs Statistics examines
func WithScanLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.scanLimit = n
		}
	}
}

// NewManager creates a resume manager. collector may be nil.
func NewManager(s store.RunStore, collector *trace.Collector, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = trace.NewCollector(logger)
	}
	m := &Manager{
		store:     s,
		collector: collector,
		scanLimit: DefaultScanLimit,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "resume_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindIncompleteRuns returns RUNNING or FAILED runs that still have a step
// which did not succeed, newest first. An empty dagID matches every DAG.
func (m *Manager) FindIncompleteRuns(ctx context.Context, dagID string) ([]*run.Run, error) {
	var out []*run.Run
	for _, status := range []run.Status{run.StatusRunning, run.StatusFailed} {
		summaries, err := m.store.List(ctx, store.RunFilter{DagID: dagID, Status: status})
		if err != nil {
			return nil, fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, sum := range summaries {
			r, ok := m.store.Get(ctx, sum.RunID)
			if !ok {
				continue
			}
			if hasUnfinishedStep(r) {
				out = append(out, r)
			}
		}
	}

	sortNewest(out)
	return out, nil
}

func hasUnfinishedStep(r *run.Run) bool {
	for _, s := range r.Steps() {
		if s.Status != run.StepSuccess {
			return true
		}
	}
	return false
}

func sortNewest(runs []*run.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

// CanResume reports whether runID can be resumed, with a reason when not
func (m *Manager) CanResume(ctx context.Context, runID string) (bool, string) {
	r, ok := m.store.Get(ctx, runID)
	if !ok {
		return false, fmt.Sprintf("run %s not found", runID)
	}
	return canResume(r)
}

func canResume(r *run.Run) (bool, string) {
	switch r.Status {
	case run.StatusSuccess:
		return false, "run already completed successfully"
	case run.StatusCancelled:
		return false, "run was cancelled"
	}

	c := r.Counts()
	if c.Pending == 0 && c.Failed == 0 {
		return false, "no pending or failed steps to resume"
	}
	return true, ""
}

// ResumeState classifies the steps of runID and picks the resume point:
// the first FAILED step, else the first PENDING step, else the first step
// the trace shows as started but never finished.
func (m *Manager) ResumeState(ctx context.Context, runID string) (*State, error) {
	r, ok := m.store.Get(ctx, runID)
	if !ok {
		return nil, fmt.Errorf("resume state %s: %w", runID, ErrRunNotFound)
	}

	st := &State{
		RunID:       r.RunID,
		DagID:       r.DagID,
		Status:      r.Status,
		ResumeCount: r.Metadata.ResumeCount,
		Counts:      r.Counts(),
	}
	st.CanResume, st.Reason = canResume(r)

	for _, s := range r.Steps() {
		switch s.Status {
		case run.StepSuccess:
			st.Completed = append(st.Completed, s.ID)
		case run.StepFailed:
			st.Failed = append(st.Failed, s.ID)
		case run.StepPending:
			st.Pending = append(st.Pending, s.ID)
		case run.StepSkipped:
			st.Skipped = append(st.Skipped, s.ID)
		}
	}

	if t := m.trace(ctx, runID); t != nil {
		for _, id := range t.InterruptedSteps() {
			if s, ok := r.Step(id); ok && s.Status != run.StepSuccess {
				st.Interrupted = append(st.Interrupted, id)
			}
		}
	}

	switch {
	case len(st.Failed) > 0:
		st.ResumePoint = st.Failed[0]
	case len(st.Pending) > 0:
		st.ResumePoint = st.Pending[0]
	case len(st.Interrupted) > 0:
		st.ResumePoint = st.Interrupted[0]
	}
	return st, nil
}

// trace returns the open trace if the run is executing in this process,
// otherwise the persisted one. A missing trace is not an error.
func (m *Manager) trace(ctx context.Context, runID string) *run.Trace {
	if t, ok := m.collector.Active(runID); ok {
		return t
	}
	if t, ok := m.store.GetTrace(ctx, runID); ok {
		return t
	}
	m.logger.Debug("no trace for run", zap.String("run_id", runID))
	return nil
}

// PrepareForResume repairs runID for re-entry: the run becomes RUNNING, its
// resume counter and timestamp are updated, FAILED and SKIPPED steps return
// to PENDING, and steps left RUNNING or RETRY by an interrupted process are
// reset as well. The repaired run is persisted and returned.
//
// It is not idempotent: every call increments the resume counter.
func (m *Manager) PrepareForResume(ctx context.Context, runID string) (*run.Run, error) {
	r, ok := m.store.Get(ctx, runID)
	if !ok {
		return nil, fmt.Errorf("prepare resume %s: %w", runID, ErrRunNotFound)
	}

	now := m.now()
	r.Status = run.StatusRunning
	r.EndedAt = nil
	r.Error = ""
	r.Metadata.ResumeCount++
	r.Metadata.LastResumedAt = &now
	r.Metadata.FailureReason = ""
	r.Metadata.FailedStep = ""

	var reset []string
	for _, s := range r.Steps() {
		switch s.Status {
		case run.StepFailed, run.StepSkipped, run.StepRunning, run.StepRetry:
			s.ResetToPending()
			reset = append(reset, s.ID)
		}
	}
	r.Touch(now)

	if err := m.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("prepare resume %s: %w", runID, err)
	}

	if err := m.collector.AppendInfo(ctx, m.store, r, "run prepared for resume", map[string]any{
		"resume_count": r.Metadata.ResumeCount,
		"reset_steps":  reset,
	}); err != nil {
		m.logger.Warn("failed to annotate trace", zap.String("run_id", runID), zap.Error(err))
	}

	m.logger.Info("run prepared for resume",
		zap.String("run_id", runID),
		zap.String("dag_id", r.DagID),
		zap.Int("resume_count", r.Metadata.ResumeCount),
		zap.Strings("reset_steps", reset))
	return r, nil
}

// Statistics aggregates resumability over the most recent runs
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	summaries, err := m.store.List(ctx, store.RunFilter{Limit: m.scanLimit})
	if err != nil {
		return nil, fmt.Errorf("resume statistics: %w", err)
	}

	stats := &Statistics{}
	for _, sum := range summaries {
		r, ok := m.store.Get(ctx, sum.RunID)
		if !ok {
			continue
		}
		stats.Scanned++
		stats.TotalResumes += r.Metadata.ResumeCount

		switch r.Status {
		case run.StatusFailed:
			stats.Failed++
		case run.StatusRunning:
			stats.Running++
		}
		if ok, _ := canResume(r); ok {
			stats.Resumable++
		}
	}
	return stats, nil
}
