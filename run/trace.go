package run

import (
	"time"
)

// RunMarker is the step id used by trace entries that describe the whole run
const RunMarker = "__run__"

// EventType is the kind of a trace entry
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventRunComplete  EventType = "run_complete"
	EventRunFail      EventType = "run_fail"
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventStepFail     EventType = "step_fail"
	EventStepRetry    EventType = "step_retry"
	EventStepSkip     EventType = "step_skip"
	EventInfo         EventType = "info"
)

// TraceEntry records one execution event
type TraceEntry struct {
	StepID        string         `json:"step_id"`
	Event         EventType      `json:"event"`
	Timestamp     time.Time      `json:"timestamp"`
	Duration      time.Duration  `json:"duration,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	Agent         string         `json:"agent,omitempty"`
	Task          string         `json:"task,omitempty"`
	InputSummary  string         `json:"input_summary,omitempty"`
	OutputSummary string         `json:"output_summary,omitempty"`
	ErrorSummary  string         `json:"error_summary,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TraceCounters counts step events of a trace
type TraceCounters struct {
	StepsStarted   int `json:"steps_started"`
	StepsCompleted int `json:"steps_completed"`
	StepsFailed    int `json:"steps_failed"`
	StepsRetried   int `json:"steps_retried"`
	StepsSkipped   int `json:"steps_skipped"`
}

// TraceSummary is computed when a trace completes
type TraceSummary struct {
	Status           Status        `json:"status"`
	StepCount        int           `json:"step_count"`
	TotalDuration    time.Duration `json:"total_duration"`
	ExecutionSummary string        `json:"execution_summary"`
}

// Trace is the diagnostic execution log of a run. It is subordinate to the
// run record and never used to decide run state.
type Trace struct {
	RunID     string        `json:"run_id"`
	DagID     string        `json:"dag_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Running   bool          `json:"running"`
	Counters  TraceCounters `json:"counters"`
	Entries   []TraceEntry  `json:"entries"`
	Summary   *TraceSummary `json:"summary,omitempty"`
}

// NewTrace creates an open trace for a run
func NewTrace(runID, dagID string, now time.Time) *Trace {
	return &Trace{
		RunID:     runID,
		DagID:     dagID,
		StartedAt: now,
		Running:   true,
		Entries:   make([]TraceEntry, 0),
	}
}

// Append adds an entry and updates the counters
func (t *Trace) Append(e TraceEntry) {
	t.Entries = append(t.Entries, e)
	switch e.Event {
	case EventStepStart:
		t.Counters.StepsStarted++
	case EventStepComplete:
		t.Counters.StepsCompleted++
	case EventStepFail:
		t.Counters.StepsFailed++
	case EventStepRetry:
		t.Counters.StepsRetried++
	case EventStepSkip:
		t.Counters.StepsSkipped++
	}
}

// InterruptedSteps returns step ids with a start event and no later
// complete, fail or skip event, in order of first start.
func (t *Trace) InterruptedSteps() []string {
	open := make(map[string]bool)
	var order []string
	for _, e := range t.Entries {
		if e.StepID == RunMarker {
			continue
		}
		switch e.Event {
		case EventStepStart:
			if _, seen := open[e.StepID]; !seen {
				order = append(order, e.StepID)
			}
			open[e.StepID] = true
		case EventStepComplete, EventStepFail, EventStepSkip:
			if _, seen := open[e.StepID]; seen {
				open[e.StepID] = false
			}
		}
	}
	var out []string
	for _, id := range order {
		if open[id] {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a copy of the trace with its own entry slice
func (t *Trace) Clone() *Trace {
	cp := *t
	cp.Entries = append([]TraceEntry(nil), t.Entries...)
	if t.EndedAt != nil {
		e := *t.EndedAt
		cp.EndedAt = &e
	}
	if t.Summary != nil {
		s := *t.Summary
		cp.Summary = &s
	}
	return &cp
}
