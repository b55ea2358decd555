package scheduler

import (
	"time"

	"github.com/BaSui01/dagflow/run"
)

// StepSnapshot is the read-only view of one step
type StepSnapshot struct {
	ID         string         `json:"id"`
	Status     run.StepStatus `json:"status"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	SkippedBy  string         `json:"skipped_by,omitempty"`
}

// StatusSnapshot is the read-only view of a run returned by Status
type StatusSnapshot struct {
	RunID         string         `json:"run_id"`
	DagID         string         `json:"dag_id"`
	Status        run.Status     `json:"status"`
	RetryCount    int            `json:"retry_count"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Steps         []StepSnapshot `json:"steps"`
	Counts        run.Counts     `json:"counts"`
}

// Step returns the snapshot of one step
func (s StatusSnapshot) Step(id string) (StepSnapshot, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepSnapshot{}, false
}

func newStatusSnapshot(r *run.Run) StatusSnapshot {
	steps := r.Steps()
	snap := StatusSnapshot{
		RunID:         r.RunID,
		DagID:         r.DagID,
		Status:        r.Status,
		RetryCount:    r.RetryCount,
		FailureReason: r.Metadata.FailureReason,
		Steps:         make([]StepSnapshot, 0, len(steps)),
		Counts:        r.Counts(),
	}
	for _, s := range steps {
		snap.Steps = append(snap.Steps, StepSnapshot{
			ID:         s.ID,
			Status:     s.Status,
			RetryCount: s.RetryCount,
			MaxRetries: s.MaxRetries,
			Error:      s.Error,
			Duration:   s.Duration(),
			SkippedBy:  s.Metadata.SkippedBy,
		})
	}
	return snap
}
