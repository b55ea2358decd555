package run

import (
	"encoding/json"
	"time"
)

// ErrorEntry records one failed attempt of a step
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind"`
}

// StepMetadata holds the retry policy, dependencies and failure bookkeeping of a step
type StepMetadata struct {
	// RetryDelay is the base delay fed to the backoff strategy
	RetryDelay time.Duration `json:"retry_delay"`
	// Backoff is the backoff strategy
	Backoff BackoffStrategy `json:"backoff"`
	// Critical marks a step whose exhausted failure aborts the run
	Critical bool `json:"critical"`
	// Dependencies lists the step ids this step waits for
	Dependencies []string `json:"dependencies,omitempty"`
	// ErrorHistory is append-only, one entry per failed attempt
	ErrorHistory []ErrorEntry `json:"error_history,omitempty"`
	// SkipReason explains why the step was skipped
	SkipReason string `json:"skip_reason,omitempty"`
	// SkippedBy is the step whose failure caused the skip
	SkippedBy string `json:"skipped_by,omitempty"`
	// Extra stores additional caller information
	Extra map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (m StepMetadata) MarshalJSON() ([]byte, error) {
	type Alias StepMetadata
	return json.Marshal(&struct {
		Alias
		RetryDelay string `json:"retry_delay"`
	}{
		Alias:      Alias(m),
		RetryDelay: m.RetryDelay.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *StepMetadata) UnmarshalJSON(data []byte) error {
	type Alias StepMetadata
	aux := &struct {
		*Alias
		RetryDelay string `json:"retry_delay"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.RetryDelay != "" {
		d, err := time.ParseDuration(aux.RetryDelay)
		if err != nil {
			return err
		}
		m.RetryDelay = d
	}
	return nil
}

// Step represents a single named unit of work within a run
type Step struct {
	// ID is unique within the run
	ID string `json:"id"`
	// Status is the current step status
	Status StepStatus `json:"status"`
	// StartedAt is when the first attempt started
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the step reached its latest terminal status
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// RetryCount is the number of retries consumed
	RetryCount int `json:"retry_count"`
	// MaxRetries is the maximum number of retries allowed
	MaxRetries int `json:"max_retries"`
	// Error is the last error message
	Error string `json:"error,omitempty"`
	// Result is the executor result, opaque to the engine
	Result any `json:"result,omitempty"`
	// Metadata stores policy and failure bookkeeping
	Metadata StepMetadata `json:"metadata"`
}

// NewStep creates a pending step
func NewStep(id string, maxRetries int, meta StepMetadata) *Step {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Step{
		ID:         id,
		Status:     StepPending,
		MaxRetries: maxRetries,
		Metadata:   meta,
	}
}

// Duration returns the step duration (or time since start if still running)
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.EndedAt != nil {
		return s.EndedAt.Sub(*s.StartedAt)
	}
	return time.Since(*s.StartedAt)
}

// CanRetry returns true if another retry is allowed
func (s *Step) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// Attempt returns the 1-based number of the current attempt
func (s *Step) Attempt() int {
	return s.RetryCount + 1
}

// MarkRunning transitions the step into an attempt
func (s *Step) MarkRunning(now time.Time) {
	s.Status = StepRunning
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	s.EndedAt = nil
}

// MarkSucceeded records a successful attempt
func (s *Step) MarkSucceeded(result any, now time.Time) {
	s.Status = StepSuccess
	s.Result = result
	s.Error = ""
	s.EndedAt = &now
}

// MarkFailed records a failed attempt and appends it to the error history
func (s *Step) MarkFailed(message, kind string, now time.Time) ErrorEntry {
	entry := ErrorEntry{
		Timestamp: now,
		Attempt:   s.Attempt(),
		Error:     message,
		Kind:      kind,
	}
	s.Status = StepFailed
	s.Error = message
	s.EndedAt = &now
	s.Metadata.ErrorHistory = append(s.Metadata.ErrorHistory, entry)
	return entry
}

// MarkRetrying consumes one retry. It returns false and leaves the step
// untouched when no retry is left.
func (s *Step) MarkRetrying() bool {
	if !s.CanRetry() {
		return false
	}
	s.Status = StepRetry
	s.RetryCount++
	return true
}

// MarkSkipped records that the step will not run
func (s *Step) MarkSkipped(reason, skippedBy string, now time.Time) {
	s.Status = StepSkipped
	s.Metadata.SkipReason = reason
	s.Metadata.SkippedBy = skippedBy
	s.EndedAt = &now
}

// MarkCancelled records that the step was cancelled
func (s *Step) MarkCancelled(now time.Time) {
	s.Status = StepCancelled
	s.EndedAt = &now
}

// ResetToPending clears retry, error and skip state so the step runs again.
// The error history is kept.
func (s *Step) ResetToPending() {
	s.Status = StepPending
	s.RetryCount = 0
	s.Error = ""
	s.StartedAt = nil
	s.EndedAt = nil
	s.Metadata.SkipReason = ""
	s.Metadata.SkippedBy = ""
}

// clone returns a deep copy of the step. Result is shared.
func (s *Step) clone() *Step {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Metadata.Dependencies = append([]string(nil), s.Metadata.Dependencies...)
	cp.Metadata.ErrorHistory = append([]ErrorEntry(nil), s.Metadata.ErrorHistory...)
	if s.Metadata.Extra != nil {
		cp.Metadata.Extra = make(map[string]any, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			cp.Metadata.Extra[k] = v
		}
	}
	return &cp
}
