package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepFailure is one entry of the aggregated step-failure log kept on the run
type StepFailure struct {
	StepID    string    `json:"step_id"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// RunMetadata holds failure and resume bookkeeping of a run
type RunMetadata struct {
	// FailureReason is a human-readable reason for a FAILED run
	FailureReason string `json:"failure_reason,omitempty"`
	// FailedStep is the step that aborted the run
	FailedStep string `json:"failed_step,omitempty"`
	// ResumeCount counts PrepareForResume invocations
	ResumeCount int `json:"resume_count"`
	// LastResumedAt is the timestamp of the last resume
	LastResumedAt *time.Time `json:"last_resumed_at,omitempty"`
	// StepFailures aggregates every failed attempt across steps
	StepFailures []StepFailure `json:"step_failures,omitempty"`
	// Extra stores additional caller information
	Extra map[string]any `json:"extra,omitempty"`
}

// Counts aggregates step statuses of a run
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Retry     int `json:"retry"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Run is the durable record of one execution of a DAG.
// Steps are kept in insertion order in an arena of slots indexed by step id.
type Run struct {
	DagID      string      `json:"dag_id"`
	RunID      string      `json:"run_id"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
	RetryCount int         `json:"retry_count"`
	Error      string      `json:"error,omitempty"`
	Metadata   RunMetadata `json:"metadata"`

	steps []*Step
	index map[string]int
}

// New creates a run in CREATED status with a fresh run id
func New(dagID string) *Run {
	now := time.Now()
	return &Run{
		DagID:     dagID,
		RunID:     uuid.New().String(),
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		index:     make(map[string]int),
	}
}

// AddStep appends a step. It fails on an empty or duplicate step id.
func (r *Run) AddStep(s *Step) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if _, ok := r.index[s.ID]; ok {
		return fmt.Errorf("step %q already exists in run %s", s.ID, r.RunID)
	}
	r.index[s.ID] = len(r.steps)
	r.steps = append(r.steps, s)
	return nil
}

// Step returns the step slot for id
func (r *Run) Step(id string) (*Step, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.steps[i], true
}

// HasStep reports whether the run contains id
func (r *Run) HasStep(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Steps returns the steps in insertion order. The slice is a copy; the
// step pointers are the run's own slots.
func (r *Run) Steps() []*Step {
	out := make([]*Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// StepIDs returns step ids in insertion order
func (r *Run) StepIDs() []string {
	ids := make([]string, len(r.steps))
	for i, s := range r.steps {
		ids[i] = s.ID
	}
	return ids
}

// Len returns the number of steps
func (r *Run) Len() int {
	return len(r.steps)
}

// Counts aggregates step statuses
func (r *Run) Counts() Counts {
	c := Counts{Total: len(r.steps)}
	for _, s := range r.steps {
		switch s.Status {
		case StepPending:
			c.Pending++
		case StepRunning:
			c.Running++
		case StepSuccess:
			c.Success++
		case StepFailed:
			c.Failed++
		case StepRetry:
			c.Retry++
		case StepSkipped:
			c.Skipped++
		case StepCancelled:
			c.Cancelled++
		}
	}
	return c
}

// DeriveFinalStatus applies the finalize rule: no failed step gives SUCCESS,
// failed and succeeded steps give PARTIAL_SUCCESS, failed steps only give FAILED.
func (r *Run) DeriveFinalStatus() Status {
	c := r.Counts()
	switch {
	case c.Failed == 0:
		return StatusSuccess
	case c.Success > 0:
		return StatusPartialSuccess
	default:
		return StatusFailed
	}
}

// Touch sets UpdatedAt
func (r *Run) Touch(now time.Time) {
	r.UpdatedAt = now
}

// Duration returns the run duration (or time since start if still running)
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(*r.StartedAt)
	}
	return time.Since(*r.StartedAt)
}

// RecordFailure appends a failed attempt to the aggregated step-failure log
func (r *Run) RecordFailure(stepID string, e ErrorEntry) {
	r.Metadata.StepFailures = append(r.Metadata.StepFailures, StepFailure{
		StepID:    stepID,
		Attempt:   e.Attempt,
		Error:     e.Error,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
	})
}

// Clone returns a deep copy of the run. Step results are shared.
func (r *Run) Clone() *Run {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Metadata.LastResumedAt != nil {
		t := *r.Metadata.LastResumedAt
		cp.Metadata.LastResumedAt = &t
	}
	cp.Metadata.StepFailures = append([]StepFailure(nil), r.Metadata.StepFailures...)
	if r.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]any, len(r.Metadata.Extra))
		for k, v := range r.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	cp.steps = make([]*Step, len(r.steps))
	cp.index = make(map[string]int, len(r.steps))
	for i, s := range r.steps {
		cp.steps[i] = s.clone()
		cp.index[s.ID] = i
	}
	return &cp
}

type runJSON struct {
	DagID      string      `json:"dag_id"`
	RunID      string      `json:"run_id"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
	RetryCount int         `json:"retry_count"`
	Error      string      `json:"error,omitempty"`
	Metadata   RunMetadata `json:"metadata"`
	Steps      []*Step     `json:"steps"`
}

// MarshalJSON implements json.Marshaler. Steps are written as an ordered array.
func (r *Run) MarshalJSON() ([]byte, error) {
	steps := r.steps
	if steps == nil {
		steps = []*Step{}
	}
	return json.Marshal(runJSON{
		DagID:      r.DagID,
		RunID:      r.RunID,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		UpdatedAt:  r.UpdatedAt,
		RetryCount: r.RetryCount,
		Error:      r.Error,
		Metadata:   r.Metadata,
		Steps:      steps,
	})
}

// UnmarshalJSON implements json.Unmarshaler and rebuilds the step index
func (r *Run) UnmarshalJSON(data []byte) error {
	var aux runJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RunID == "" {
		return fmt.Errorf("run record has no run_id")
	}
	*r = Run{
		DagID:      aux.DagID,
		RunID:      aux.RunID,
		Status:     aux.Status,
		CreatedAt:  aux.CreatedAt,
		StartedAt:  aux.StartedAt,
		EndedAt:    aux.EndedAt,
		UpdatedAt:  aux.UpdatedAt,
		RetryCount: aux.RetryCount,
		Error:      aux.Error,
		Metadata:   aux.Metadata,
		index:      make(map[string]int, len(aux.Steps)),
	}
	for _, s := range aux.Steps {
		if err := r.AddStep(s); err != nil {
			return err
		}
	}
	return nil
}
