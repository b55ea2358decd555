package scheduler

import (
	"context"
	"time"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/resume"
	"github.com/BaSui01/dagflow/run"
	"github.com/BaSui01/dagflow/store"
	"github.com/BaSui01/dagflow/trace"
	"go.uber.org/zap"
)

// Executor is a unit of work bound to a step. The result must be JSON
// serializable. Returning a *types.Error with Retryable=false stops retries.
type Executor func(ctx context.Context) (any, error)

// Options wires a scheduler to its collaborators
type Options struct {
	// Store persists the run record and trace (required)
	Store store.RunStore

	// Collector records the execution trace; nil creates a private one
	Collector *trace.Collector

	// Resume repairs runs for ResumeSequential/ResumeParallel with repair;
	// nil creates a manager over Store and Collector
	Resume *resume.Manager

	// Metrics receives run and step metrics; nil disables them
	Metrics *metrics.Collector

	// Logger; nil disables logging
	Logger *zap.Logger

	// Config supplies step defaults and the parallel bounds; nil uses
	// config.DefaultSchedulerConfig
	Config *config.SchedulerConfig
}

// StepOption overrides the retry policy of one step
type StepOption func(*stepConfig)

type stepConfig struct {
	maxRetries   int
	retryDelay   time.Duration
	backoff      run.BackoffStrategy
	critical     bool
	dependencies []string
}

func defaultStepConfig(cfg config.SchedulerConfig) stepConfig {
	return stepConfig{
		maxRetries: cfg.DefaultMaxRetries,
		retryDelay: cfg.DefaultRetryDelay,
		backoff:    cfg.DefaultBackoff,
		critical:   true,
	}
}

// WithMaxRetries sets the number of retries after the first attempt
func WithMaxRetries(n int) StepOption {
	return func(c *stepConfig) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the base delay fed to the backoff strategy
func WithRetryDelay(d time.Duration) StepOption {
	return func(c *stepConfig) {
		c.retryDelay = d
	}
}

// WithBackoff sets the backoff strategy
func WithBackoff(strategy run.BackoffStrategy) StepOption {
	return func(c *stepConfig) {
		c.backoff = strategy
	}
}

// WithCritical marks whether an exhausted failure aborts the run
func WithCritical(critical bool) StepOption {
	return func(c *stepConfig) {
		c.critical = critical
	}
}

// WithDependencies lists the steps that must succeed first.
// Only the parallel scheduler orders by dependencies; the sequential one
// records them.
func WithDependencies(ids ...string) StepOption {
	return func(c *stepConfig) {
		c.dependencies = append(c.dependencies, ids...)
	}
}

func (c stepConfig) metadata() run.StepMetadata {
	return run.StepMetadata{
		RetryDelay:   c.retryDelay,
		Backoff:      c.backoff,
		Critical:     c.critical,
		Dependencies: append([]string(nil), c.dependencies...),
	}
}
