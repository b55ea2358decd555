package run

// StepStatus represents the status of a single step
type StepStatus string

const (
	// StepPending indicates the step has not started yet
	StepPending StepStatus = "pending"
	// StepRunning indicates an attempt is in flight
	StepRunning StepStatus = "running"
	// StepSuccess indicates the step completed successfully
	StepSuccess StepStatus = "success"
	// StepFailed indicates the last attempt failed
	StepFailed StepStatus = "failed"
	// StepRetry indicates the step is waiting for its next attempt
	StepRetry StepStatus = "retry"
	// StepSkipped indicates the step will not run because of an upstream failure
	StepSkipped StepStatus = "skipped"
	// StepCancelled indicates the run was cancelled before the step finished
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if no further transition is expected without a resume
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// Status represents the status of a run
type Status string

const (
	// StatusCreated indicates the run was allocated but not started
	StatusCreated Status = "created"
	// StatusRunning indicates the run is executing
	StatusRunning Status = "running"
	// StatusSuccess indicates every step succeeded
	StatusSuccess Status = "success"
	// StatusFailed indicates the run failed
	StatusFailed Status = "failed"
	// StatusRetry indicates the run is waiting to be retried
	StatusRetry Status = "retry"
	// StatusCancelled indicates the run was cancelled
	StatusCancelled Status = "cancelled"
	// StatusPartialSuccess indicates some steps succeeded and some failed
	StatusPartialSuccess Status = "partial_success"
)

// IsActive returns true if the run has not reached a final status
func (s Status) IsActive() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusRetry:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the run reached a final status
func (s Status) IsTerminal() bool {
	return !s.IsActive()
}

// BackoffStrategy maps a retry attempt number to a delay
type BackoffStrategy string

const (
	// BackoffExponential waits d*2^(n-1)
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffLinear waits d*n
	BackoffLinear BackoffStrategy = "linear"
	// BackoffConstant waits d
	BackoffConstant BackoffStrategy = "constant"
)

// AllStepStatuses lists every step status in declaration order.
var AllStepStatuses = []StepStatus{
	StepPending, StepRunning, StepSuccess, StepFailed, StepRetry, StepSkipped, StepCancelled,
}

// AllStatuses lists every run status in declaration order.
var AllStatuses = []Status{
	StatusCreated, StatusRunning, StatusSuccess, StatusFailed, StatusRetry, StatusCancelled, StatusPartialSuccess,
}
