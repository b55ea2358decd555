package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/dagflow/run"
)

// Common errors
var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// RunStore persists run records and their traces. Each run is one record,
// rewritten wholesale on every Update. Listing goes through a secondary
// index derived from the records.
type RunStore interface {
	Store

	// Create persists a new run and returns its id
	Create(ctx context.Context, r *run.Run) (string, error)

	// Get loads a run. Missing or unreadable records are reported as absent.
	Get(ctx context.Context, runID string) (*run.Run, bool)

	// Update overwrites an existing run record
	Update(ctx context.Context, r *run.Run) error

	// Delete removes a run record and its trace
	Delete(ctx context.Context, runID string) (bool, error)

	// List returns summaries matching the filter, newest first
	List(ctx context.Context, filter RunFilter) ([]RunSummary, error)

	// ActiveRuns returns summaries of CREATED, RUNNING and RETRY runs
	ActiveRuns(ctx context.Context) ([]RunSummary, error)

	// CleanupOlderThan removes non-active runs created more than days ago
	CleanupOlderThan(ctx context.Context, days int) (int, error)

	// Statistics aggregates runs, optionally restricted to one dag
	Statistics(ctx context.Context, dagID string) (*Statistics, error)

	// SaveTrace persists the trace of a run
	SaveTrace(ctx context.Context, t *run.Trace) error

	// GetTrace loads the trace of a run
	GetTrace(ctx context.Context, runID string) (*run.Trace, bool)
}

// RunFilter defines filter criteria for listing runs
type RunFilter struct {
	// DagID restricts results to one dag
	DagID string `json:"dag_id,omitempty"`

	// Status restricts results to one run status
	Status run.Status `json:"status,omitempty"`

	// Limit is the maximum number of results, 0 means no limit
	Limit int `json:"limit,omitempty"`
}

// RunSummary is the secondary-index view of a run
type RunSummary struct {
	RunID     string     `json:"run_id"`
	DagID     string     `json:"dag_id"`
	Status    run.Status `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Location  string     `json:"location"`
}

// Statistics aggregates run records
type Statistics struct {
	DagID           string             `json:"dag_id,omitempty"`
	TotalRuns       int                `json:"total_runs"`
	StatusCounts    map[run.Status]int `json:"status_counts"`
	SuccessRate     float64            `json:"success_rate"`
	AverageDuration time.Duration      `json:"average_duration"`
	TotalRetries    int                `json:"total_retries"`
}
