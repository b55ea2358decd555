package store

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
)

// MemoryRunStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Records are copied on the way in
// and out so callers never share state with the store.
type MemoryRunStore struct {
	runs    map[string]*run.Run
	traces  map[string]*run.Trace
	index   *MemoryIndex
	mu      sync.RWMutex
	closed  bool
	cleaner *cleaner
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewMemoryRunStore creates a new in-memory run store
func NewMemoryRunStore(config StoreConfig, logger *zap.Logger, opts ...Option) *MemoryRunStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)

	s := &MemoryRunStore{
		runs:    make(map[string]*run.Run),
		traces:  make(map[string]*run.Trace),
		index:   NewMemoryIndex(),
		metrics: o.metrics,
		logger:  logger.With(zap.String("component", "memory_run_store")),
	}
	s.cleaner = startCleaner(config.Cleanup, s, s.logger)
	return s
}

func (s *MemoryRunStore) observe(op string, start time.Time) {
	s.metrics.RecordStoreOperation("memory", op, time.Since(start))
}

// Close closes the store
func (s *MemoryRunStore) Close() error {
	s.cleaner.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryRunStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create persists a new run
func (s *MemoryRunStore) Create(ctx context.Context, r *run.Run) (string, error) {
	defer s.observe("create", time.Now())
	if err := validateRun(r); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}
	if _, ok := s.runs[r.RunID]; ok {
		return "", ErrAlreadyExists
	}

	s.runs[r.RunID] = r.Clone()
	_ = s.index.Upsert(ctx, summarize(r, "memory://"+r.RunID))
	return r.RunID, nil
}

// Get retrieves a run by id
func (s *MemoryRunStore) Get(ctx context.Context, runID string) (*run.Run, bool) {
	defer s.observe("get", time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.Debug("get on closed store", zap.String("run_id", runID))
		return nil, false
	}
	r, ok := s.runs[runID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Update overwrites an existing run
func (s *MemoryRunStore) Update(ctx context.Context, r *run.Run) error {
	defer s.observe("update", time.Now())
	if err := validateRun(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.runs[r.RunID]; !ok {
		return ErrNotFound
	}

	s.runs[r.RunID] = r.Clone()
	_ = s.index.Upsert(ctx, summarize(r, "memory://"+r.RunID))
	return nil
}

// Delete removes a run and its trace
func (s *MemoryRunStore) Delete(ctx context.Context, runID string) (bool, error) {
	defer s.observe("delete", time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.runs[runID]; !ok {
		return false, nil
	}

	delete(s.runs, runID)
	delete(s.traces, runID)
	_ = s.index.Remove(ctx, runID)
	return true, nil
}

// List returns run summaries newest first
func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]RunSummary, error) {
	defer s.observe("list", time.Now())

	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.index.Query(ctx, filter.DagID, filterStatuses(filter), filter.Limit)
}

// ActiveRuns returns runs that have not finished
func (s *MemoryRunStore) ActiveRuns(ctx context.Context) ([]RunSummary, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s.index.Query(ctx, "", activeStatuses, 0)
}

// CleanupOlderThan removes finished runs created more than days ago
func (s *MemoryRunStore) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	defer s.observe("cleanup", time.Now())

	all, err := s.List(ctx, RunFilter{})
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range cleanupCandidates(all, cutoffFor(days)) {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Statistics aggregates stored runs
func (s *MemoryRunStore) Statistics(ctx context.Context, dagID string) (*Statistics, error) {
	summaries, err := s.List(ctx, RunFilter{DagID: dagID})
	if err != nil {
		return nil, err
	}
	return computeStatistics(dagID, loadAll(ctx, s, summaries)), nil
}

// SaveTrace persists a trace
func (s *MemoryRunStore) SaveTrace(ctx context.Context, t *run.Trace) error {
	defer s.observe("save_trace", time.Now())
	if t == nil || t.RunID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.traces[t.RunID] = t.Clone()
	return nil
}

// GetTrace retrieves a trace
func (s *MemoryRunStore) GetTrace(ctx context.Context, runID string) (*run.Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.traces[runID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Ensure MemoryRunStore implements RunStore
var _ RunStore = (*MemoryRunStore)(nil)
