package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"go.uber.org/zap"
)

// maxSummaryLen bounds input/output/error summaries stored on entries
const maxSummaryLen = 256

type stepKey struct {
	runID  string
	stepID string
}

// Collector holds the open trace of every running run. Traces live in memory
// until CompleteTrace detaches them; persisting is the caller's job.
type Collector struct {
	mu     sync.Mutex
	traces map[string]*run.Trace
	starts map[stepKey]time.Time
	now    func() time.Time
	logger *zap.Logger
}

// NewCollector creates an empty collector
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		traces: make(map[string]*run.Trace),
		starts: make(map[stepKey]time.Time),
		now:    time.Now,
		logger: logger.With(zap.String("component", "trace_collector")),
	}
}

// EntryOption decorates a trace entry
type EntryOption func(*run.TraceEntry)

// WithAgent labels the entry with the agent that ran the step
func WithAgent(agent string) EntryOption {
	return func(e *run.TraceEntry) { e.Agent = agent }
}

// WithTask labels the entry with a task name
func WithTask(task string) EntryOption {
	return func(e *run.TraceEntry) { e.Task = task }
}

// WithInput attaches a truncated input summary
func WithInput(input any) EntryOption {
	return func(e *run.TraceEntry) { e.InputSummary = Summarize(input) }
}

// WithMetadata merges free-form metadata into the entry
func WithMetadata(meta map[string]any) EntryOption {
	return func(e *run.TraceEntry) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
}

// Summarize renders v for a trace entry, truncated to a bounded length
func Summarize(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprint(v)
	if len(s) > maxSummaryLen {
		return s[:maxSummaryLen] + "..."
	}
	return s
}

// StartTrace opens a new trace for r and appends the run start entry.
// An already open trace for the same run is replaced.
func (c *Collector) StartTrace(r *run.Run) {
	c.open(run.NewTrace(r.RunID, r.DagID, c.now()), r)
}

// ContinueTrace reopens a persisted trace so a resumed run keeps its history
func (c *Collector) ContinueTrace(r *run.Run, prior *run.Trace) {
	if prior == nil || prior.RunID != r.RunID {
		c.StartTrace(r)
		return
	}
	t := prior.Clone()
	t.Running = true
	t.EndedAt = nil
	t.Summary = nil
	c.open(t, r)
}

func (c *Collector) open(t *run.Trace, r *run.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.traces[r.RunID] = t
	c.appendLocked(r.RunID, run.TraceEntry{
		StepID: run.RunMarker,
		Event:  run.EventRunStart,
		Metadata: map[string]any{
			"status":     string(r.Status),
			"step_count": r.Len(),
		},
	})
}

// appendLocked stamps and appends e. Timestamps never go backwards within a trace.
func (c *Collector) appendLocked(runID string, e run.TraceEntry) bool {
	t, ok := c.traces[runID]
	if !ok {
		c.logger.Debug("no open trace, entry dropped",
			zap.String("run_id", runID),
			zap.String("event", string(e.Event)),
			zap.String("step_id", e.StepID))
		return false
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if n := len(t.Entries); n > 0 && e.Timestamp.Before(t.Entries[n-1].Timestamp) {
		e.Timestamp = t.Entries[n-1].Timestamp
	}
	t.Append(e)
	return true
}

func (c *Collector) record(runID string, e run.TraceEntry, opts []EntryOption) {
	for _, opt := range opts {
		opt(&e)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(runID, e)
}

// elapsedLocked consumes the recorded start of a step
func (c *Collector) elapsedLocked(runID, stepID string, now time.Time) time.Duration {
	key := stepKey{runID, stepID}
	start, ok := c.starts[key]
	if !ok {
		return 0
	}
	delete(c.starts, key)
	return now.Sub(start)
}

// StepStarted records the start of an attempt
func (c *Collector) StepStarted(runID, stepID string, attempt int, opts ...EntryOption) {
	now := c.now()
	e := run.TraceEntry{StepID: stepID, Event: run.EventStepStart, Timestamp: now, Attempt: attempt}
	for _, opt := range opts {
		opt(&e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appendLocked(runID, e) {
		c.starts[stepKey{runID, stepID}] = now
	}
}

// StepCompleted records a successful attempt and its duration
func (c *Collector) StepCompleted(runID, stepID string, attempt int, output any, opts ...EntryOption) {
	now := c.now()
	e := run.TraceEntry{
		StepID:        stepID,
		Event:         run.EventStepComplete,
		Timestamp:     now,
		Attempt:       attempt,
		OutputSummary: Summarize(output),
	}
	for _, opt := range opts {
		opt(&e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.Duration = c.elapsedLocked(runID, stepID, now)
	c.appendLocked(runID, e)
}

// StepFailed records a failed attempt and its duration
func (c *Collector) StepFailed(runID, stepID string, attempt int, errMsg, kind string, opts ...EntryOption) {
	now := c.now()
	e := run.TraceEntry{
		StepID:       stepID,
		Event:        run.EventStepFail,
		Timestamp:    now,
		Attempt:      attempt,
		ErrorSummary: Summarize(errMsg),
		Metadata:     map[string]any{"kind": kind},
	}
	for _, opt := range opts {
		opt(&e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.Duration = c.elapsedLocked(runID, stepID, now)
	c.appendLocked(runID, e)
}

// StepRetried records that a retry was scheduled after delay
func (c *Collector) StepRetried(runID, stepID string, attempt int, delay time.Duration, opts ...EntryOption) {
	c.record(runID, run.TraceEntry{
		StepID:   stepID,
		Event:    run.EventStepRetry,
		Attempt:  attempt,
		Duration: delay,
		Metadata: map[string]any{"delay": delay.String()},
	}, opts)
}

// StepSkipped records that a step will not run
func (c *Collector) StepSkipped(runID, stepID, reason, skippedBy string) {
	c.record(runID, run.TraceEntry{
		StepID:   stepID,
		Event:    run.EventStepSkip,
		Metadata: map[string]any{"reason": reason, "skipped_by": skippedBy},
	}, nil)
}

// AddInfo appends a free-form annotation. It reports whether a trace was open.
func (c *Collector) AddInfo(runID, message string, meta map[string]any) bool {
	e := run.TraceEntry{StepID: run.RunMarker, Event: run.EventInfo, OutputSummary: message}
	WithMetadata(meta)(&e)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(runID, e)
}

// CompleteTrace closes the trace of r, computes its summary and detaches it.
// It returns nil when no trace is open for r.
func (c *Collector) CompleteTrace(r *run.Run) *run.Trace {
	c.mu.Lock()
	defer c.mu.Unlock()

	event := run.EventRunComplete
	if r.Status != run.StatusSuccess && r.Status != run.StatusPartialSuccess {
		event = run.EventRunFail
	}
	e := run.TraceEntry{
		StepID: run.RunMarker,
		Event:  event,
		Metadata: map[string]any{
			"status": string(r.Status),
		},
	}
	if r.Metadata.FailureReason != "" {
		e.ErrorSummary = Summarize(r.Metadata.FailureReason)
	}
	if !c.appendLocked(r.RunID, e) {
		return nil
	}

	t := c.traces[r.RunID]
	delete(c.traces, r.RunID)
	for key := range c.starts {
		if key.runID == r.RunID {
			delete(c.starts, key)
		}
	}

	end := t.Entries[len(t.Entries)-1].Timestamp
	t.EndedAt = &end
	t.Running = false
	t.Summary = &run.TraceSummary{
		Status:           r.Status,
		StepCount:        r.Len(),
		TotalDuration:    end.Sub(t.StartedAt),
		ExecutionSummary: executionSummary(r.Counts()),
	}
	return t
}

// Active returns a snapshot of the open trace of runID
func (c *Collector) Active(runID string) (*run.Trace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.traces[runID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Discard drops the open trace of runID without completing it
func (c *Collector) Discard(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.traces, runID)
}

// AppendInfo annotates the trace of r. The open trace is used when there is
// one; otherwise the persisted trace is loaded, extended and saved back, or a
// fresh trace holding only the annotation is saved.
func (c *Collector) AppendInfo(ctx context.Context, s store.RunStore, r *run.Run, message string, meta map[string]any) error {
	if c.AddInfo(r.RunID, message, meta) {
		return nil
	}

	t, ok := s.GetTrace(ctx, r.RunID)
	if !ok {
		t = run.NewTrace(r.RunID, r.DagID, c.now())
		t.Running = false
	}

	e := run.TraceEntry{StepID: run.RunMarker, Event: run.EventInfo, Timestamp: c.now(), OutputSummary: message}
	WithMetadata(meta)(&e)
	if n := len(t.Entries); n > 0 && e.Timestamp.Before(t.Entries[n-1].Timestamp) {
		e.Timestamp = t.Entries[n-1].Timestamp
	}
	t.Append(e)

	if err := s.SaveTrace(ctx, t); err != nil {
		return fmt.Errorf("append trace info for run %s: %w", r.RunID, err)
	}
	return nil
}

func executionSummary(c run.Counts) string {
	return fmt.Sprintf("%d/%d steps succeeded, %d failed, %d skipped, %d cancelled",
		c.Success, c.Total, c.Failed, c.Skipped, c.Cancelled)
}
