package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/dagflow/run"
	"go.uber.org/zap"
)

// activeStatuses are the run statuses that still expect progress
var activeStatuses = []run.Status{run.StatusCreated, run.StatusRunning, run.StatusRetry}

func summarize(r *run.Run, location string) RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		DagID:     r.DagID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Location:  location,
	}
}

func validateRun(r *run.Run) error {
	if r == nil || r.RunID == "" || r.DagID == "" {
		return ErrInvalidInput
	}
	return nil
}

func filterStatuses(filter RunFilter) []run.Status {
	if filter.Status == "" {
		return nil
	}
	return []run.Status{filter.Status}
}

// sortNewest orders summaries by creation time, newest first. Ties are
// broken by run id so the order is stable.
func sortNewest(s []RunSummary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.After(s[j].CreatedAt)
		}
		return s[i].RunID < s[j].RunID
	})
}

func applyLimit(s []RunSummary, limit int) []RunSummary {
	if limit > 0 && limit < len(s) {
		return s[:limit]
	}
	return s
}

// cleanupCandidates returns runs that are finished and created before cutoff
func cleanupCandidates(all []RunSummary, cutoff time.Time) []string {
	var ids []string
	for _, s := range all {
		if s.Status.IsActive() {
			continue
		}
		if s.CreatedAt.Before(cutoff) {
			ids = append(ids, s.RunID)
		}
	}
	return ids
}

func cutoffFor(days int) time.Time {
	return time.Now().AddDate(0, 0, -days)
}

// computeStatistics aggregates loaded run records
func computeStatistics(dagID string, runs []*run.Run) *Statistics {
	stats := &Statistics{
		DagID:        dagID,
		StatusCounts: make(map[run.Status]int),
	}

	var finished, succeeded, timed int
	var total time.Duration
	for _, r := range runs {
		stats.TotalRuns++
		stats.StatusCounts[r.Status]++
		stats.TotalRetries += r.RetryCount

		if r.Status.IsTerminal() {
			finished++
			if r.Status == run.StatusSuccess {
				succeeded++
			}
			if r.StartedAt != nil && r.EndedAt != nil {
				total += r.EndedAt.Sub(*r.StartedAt)
				timed++
			}
		}
	}

	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
	}
	if timed > 0 {
		stats.AverageDuration = total / time.Duration(timed)
	}
	return stats
}

// loadAll loads the records behind summaries, skipping unreadable ones
func loadAll(ctx context.Context, s RunStore, summaries []RunSummary) []*run.Run {
	runs := make([]*run.Run, 0, len(summaries))
	for _, sum := range summaries {
		if r, ok := s.Get(ctx, sum.RunID); ok {
			runs = append(runs, r)
		}
	}
	return runs
}

// activeRuns merges per-status listings
func activeRuns(ctx context.Context, s RunStore) ([]RunSummary, error) {
	var out []RunSummary
	for _, st := range activeStatuses {
		part, err := s.List(ctx, RunFilter{Status: st})
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	sortNewest(out)
	return out, nil
}

// cleaner periodically removes old finished runs
type cleaner struct {
	stop chan struct{}
	once sync.Once
}

func startCleaner(cfg CleanupConfig, s RunStore, logger *zap.Logger) *cleaner {
	c := &cleaner{stop: make(chan struct{})}
	if !cfg.Enabled || cfg.Interval <= 0 || cfg.RetentionDays <= 0 {
		return c
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				n, err := s.CleanupOlderThan(context.Background(), cfg.RetentionDays)
				if err != nil {
					logger.Warn("run cleanup failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("removed old runs", zap.Int("count", n))
				}
			}
		}
	}()
	return c
}

func (c *cleaner) Stop() {
	c.once.Do(func() { close(c.stop) })
}
